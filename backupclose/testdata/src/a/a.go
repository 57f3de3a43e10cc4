package a

import "github.com/TroutSoftware/litebackup"

func deferred(dst, src *litebackup.Conn) error {
	b, err := litebackup.NewMainBackup(dst, src)
	if err != nil {
		return err
	}
	defer b.Close()
	_, err = b.Step(-1)
	return err
}

func closedInClosure(dst, src *litebackup.Conn) {
	b, err := dst.BackupFrom(src)
	if err != nil {
		return
	}
	defer func() { b.Close() }()
}

func forgotten(dst, src *litebackup.Conn) error {
	b, err := litebackup.NewBackup(dst, "main", src, "aux") // want `backup b created by NewBackup is never closed`
	if err != nil {
		return err
	}
	_, err = b.Step(10)
	return err
}

func nilCheckOnly(dst, src *litebackup.Conn) bool {
	b, _ := dst.BackupFrom(src) // want `backup b created by BackupFrom is never closed`
	return b != nil
}

func discarded(dst, src *litebackup.Conn) {
	_, _ = litebackup.NewMainBackup(dst, src) // want `result of NewMainBackup is discarded: the backup is never closed`
	dst.BackupFrom(src)                       // want `result of BackupFrom is discarded: the backup is never closed`
}

func returned(dst, src *litebackup.Conn) (*litebackup.Backup, error) {
	b, err := litebackup.NewMainBackup(dst, src)
	return b, err
}

type job struct{ b *litebackup.Backup }

func handedOver(dst, src *litebackup.Conn) *job {
	b, err := dst.BackupFrom(src)
	if err != nil {
		return nil
	}
	return &job{b: b}
}

func stored(dst, src *litebackup.Conn, j *job) {
	var err error
	j.b, err = dst.BackupFrom(src)
	_ = err
}

func varDecl(dst, src *litebackup.Conn) {
	var b, err = litebackup.NewMainBackup(dst, src) // want `backup b created by NewMainBackup is never closed`
	_ = err
	b.Step(1)
}
