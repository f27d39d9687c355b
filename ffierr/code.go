package ffierr

import "strconv"

// Code is the integer error code that crosses the boundary.
type Code int32

const (
	CodeSuccess        Code = 0
	CodeInvalidPointer Code = -1
	CodeInvalidText    Code = -2
	CodeInternalFault  Code = -3
	CodeUnknownHandle  Code = -4
	CodeDoubleFire     Code = -5
	CodeCancelled      Code = -6
	CodeDoubleRelease  Code = -7
	CodeInvalidOwner   Code = -8
	CodeClosed         Code = -9
	CodeUnexpected     Code = -10
	CodeAllocFailed    Code = -11
)

// AppCodeBase is the highest code a library may claim through [Coder].
// Everything between AppCodeBase and 0 is reserved for this package.
const AppCodeBase Code = -1000

// CodeInfo describes one taxonomy entry.
type CodeInfo struct {
	Code        Code   `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var codeTable = []CodeInfo{
	{CodeSuccess, "Success", "operation completed"},
	{CodeInvalidPointer, "InvalidPointer", "null or inconsistent pointer/length supplied"},
	{CodeInvalidText, "InvalidText", "text is not valid UTF-8 or contains an embedded NUL"},
	{CodeInternalFault, "InternalFault", "an internal fault was contained at the boundary"},
	{CodeUnknownHandle, "UnknownHandle", "correlation handle was never issued"},
	{CodeDoubleFire, "DoubleFire", "correlation handle already completed"},
	{CodeCancelled, "Cancelled", "operation cancelled before completion"},
	{CodeDoubleRelease, "DoubleRelease", "native buffer released more than once"},
	{CodeInvalidOwner, "InvalidOwner", "buffer is not owned by native code"},
	{CodeClosed, "Closed", "library or registry has been shut down"},
	{CodeUnexpected, "Unexpected", "library error without a specific code"},
	{CodeAllocFailed, "AllocFailed", "allocation in the target address space failed"},
}

var codeIndex = func() map[Code]CodeInfo {
	m := make(map[Code]CodeInfo, len(codeTable))
	for _, info := range codeTable {
		m[info.Code] = info
	}
	return m
}()

// Codes returns the full taxonomy in declaration order.
func Codes() []CodeInfo {
	out := make([]CodeInfo, len(codeTable))
	copy(out, codeTable)
	return out
}

// Known reports whether c belongs to the built-in taxonomy.
func (c Code) Known() bool {
	_, ok := codeIndex[c]
	return ok
}

// Application reports whether c lies in the range reserved for libraries.
func (c Code) Application() bool {
	return c <= AppCodeBase
}

func (c Code) String() string {
	if info, ok := codeIndex[c]; ok {
		return info.Name
	}
	if c.Application() {
		return "Application(" + strconv.Itoa(int(c)) + ")"
	}
	return "Code(" + strconv.Itoa(int(c)) + ")"
}
