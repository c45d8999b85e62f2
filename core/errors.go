package core

import "github.com/ppmesh/exchange-core/errs"

// Error codes for the exchange core, following the teacher's coded-error
// convention (errs.CodeError) rather than sentinel error values, so a
// caller across a process boundary can recover the same code from a
// wire-serialized error.
const (
	CodeAmbiguousPublishKey = 42001
	CodeMissingKey          = 42002
	CodeSignatureRequired   = 42003
	CodeSignatureInvalid    = 42004
	CodeUnknownToken        = 42005
	CodeTokenAlreadyDrained = 42006
	CodeStoreUnavailable    = 42007
	CodeLocked              = 42008
	CodeUnknownGroup        = 42009
	CodeSizeExceeded        = 42010
)

func codeErr(code int, msg string) error {
	e := errs.NewCodeError(code, msg)
	return &e
}

var (
	errAmbiguousPublishKey = codeErr(CodeAmbiguousPublishKey, "group key set carries more than one publish-private key")
	errMissingKey          = codeErr(CodeMissingKey, "group key set is missing a required key")
	errUnknownToken        = codeErr(CodeUnknownToken, "token is not on the ledger")
	errTokenDrained        = codeErr(CodeTokenAlreadyDrained, "token acknowledgement already consumed")
	errUnknownGroup        = codeErr(CodeUnknownGroup, "group is not known to the engine")
)
