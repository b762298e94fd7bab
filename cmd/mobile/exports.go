// Package main builds the shared library loaded by the mobile shell
// (libfieldsync.so on Android, fieldsync.framework on iOS).
//
// Every call returning *C.char hands ownership to the caller, who frees it
// with FieldsyncFreeString. A nil return means the call failed; the message
// is available from FieldsyncGetLastError.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"time"
	"unsafe"

	"github.com/afctech/fieldsync/internal/mobile"
)

var (
	mu     sync.Mutex
	bridge *mobile.Bridge

	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = err.Error()
}

func current() *mobile.Bridge {
	mu.Lock()
	defer mu.Unlock()
	return bridge
}

// result converts a bridge call into a C string, recording err.
func result(out string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(out)
}

type notInitialized struct{}

func (notInitialized) Error() string { return "fieldsync is not initialized" }

//export FieldsyncInit
// FieldsyncInit opens the store in dataDir. Returns 0 on success, -1 on error.
// Calling it again while open is a no-op.
func FieldsyncInit(dataDir, baseURL, token *C.char, online C.int) C.int {
	mu.Lock()
	defer mu.Unlock()
	if bridge != nil {
		return 0
	}

	b, err := mobile.Open(mobile.Options{
		DataDir: C.GoString(dataDir),
		BaseURL: C.GoString(baseURL),
		Token:   C.GoString(token),
		Timeout: 30 * time.Second,
		Online:  online != 0,
	})
	setLastError(err)
	if err != nil {
		return -1
	}
	bridge = b
	return 0
}

//export FieldsyncClose
// FieldsyncClose waits for an in-flight sync and closes the store.
func FieldsyncClose() {
	mu.Lock()
	b := bridge
	bridge = nil
	mu.Unlock()

	if b != nil {
		setLastError(b.Close())
	}
}

//export FieldsyncSetOnline
func FieldsyncSetOnline(online C.int) {
	if b := current(); b != nil {
		b.SetOnline(online != 0)
	}
}

//export FieldsyncRequestSync
// FieldsyncRequestSync returns 1 when a sync was started.
func FieldsyncRequestSync() C.int {
	b := current()
	if b == nil || !b.RequestSync() {
		return 0
	}
	return 1
}

//export FieldsyncEnqueue
func FieldsyncEnqueue(jobType, payload *C.char) *C.char {
	b := current()
	if b == nil {
		return result("", notInitialized{})
	}
	return result(b.Enqueue(C.GoString(jobType), C.GoString(payload)))
}

//export FieldsyncStatus
func FieldsyncStatus() *C.char {
	b := current()
	if b == nil {
		return result("", notInitialized{})
	}
	return result(b.Status())
}

//export FieldsyncListJobs
func FieldsyncListJobs(unsyncedOnly C.int) *C.char {
	b := current()
	if b == nil {
		return result("", notInitialized{})
	}
	return result(b.ListJobs(unsyncedOnly != 0))
}

//export FieldsyncLoadUnit
func FieldsyncLoadUnit(ahuID *C.char) *C.char {
	b := current()
	if b == nil {
		return result("", notInitialized{})
	}
	return result(b.LoadUnit(C.GoString(ahuID)))
}

//export FieldsyncDownloadHospital
func FieldsyncDownloadHospital(hospitalID *C.char) *C.char {
	b := current()
	if b == nil {
		return result("", notInitialized{})
	}
	return result(b.DownloadHospital(C.GoString(hospitalID)))
}

//export FieldsyncRemoveHospital
func FieldsyncRemoveHospital(hospitalID *C.char) *C.char {
	b := current()
	if b == nil {
		return result("", notInitialized{})
	}
	return result(b.RemoveHospital(C.GoString(hospitalID)))
}

//export FieldsyncListHospitals
func FieldsyncListHospitals() *C.char {
	b := current()
	if b == nil {
		return result("", notInitialized{})
	}
	return result(b.ListHospitals())
}

//export FieldsyncGetLastError
// FieldsyncGetLastError returns the message of the last failed call, or an
// empty string.
func FieldsyncGetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FieldsyncFreeString
func FieldsyncFreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

func main() {}
