// note: the helpers below are defined once here and declared extern in the other go files.
// no file in the package may use //export, or the definitions would be duplicated in _cgo_export.c.

package litebackup

/*
#cgo LDFLAGS: -lsqlite3
#include <string.h>
#include <sqlite3.h>

char * go_strcpy(_GoString_ st) {
	char* buf = sqlite3_malloc64(_GoStringLen(st) + 1);
	memcpy(buf, _GoStringPtr(st), _GoStringLen(st));
	buf[_GoStringLen(st)] = 0;
	return buf;
}

void go_free(void * mem) {
	sqlite3_free(mem);
}
*/
import "C"
import "unsafe"

func init() {
	C.go_free(unsafe.Pointer(C.go_strcpy("")))
}
