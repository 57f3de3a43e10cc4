package litebackup

type Conn struct{}

type Backup struct{}

func (b *Backup) Step(pages int) (int, error) { return 0, nil }
func (b *Backup) Close() error                { return nil }

func NewBackup(dst *Conn, dstSchema string, src *Conn, srcSchema string) (*Backup, error) {
	return &Backup{}, nil
}

func NewMainBackup(dst, src *Conn) (*Backup, error) { return &Backup{}, nil }

func (c *Conn) BackupFrom(src *Conn) (*Backup, error) { return &Backup{}, nil }
