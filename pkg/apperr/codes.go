package apperr

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindServer Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindConflict
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "server"
	}
}

// Code is the machine-readable error string sent to clients.
type Code string

const (
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeMissingFields       Code = "MISSING_FIELDS"
	CodeInvalidType         Code = "INVALID_TYPE"
	CodeEmptyText           Code = "EMPTY_TEXT"
	CodeNoImage             Code = "NO_IMAGE"
	CodeNoEmoji             Code = "NO_EMOJI"
	CodeInvalidName         Code = "INVALID_NAME"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeNotMember           Code = "NOT_MEMBER"
	CodeNotSender           Code = "NOT_SENDER"
	CodeNotOwner            Code = "NOT_OWNER"
	CodeNotGroup            Code = "NOT_GROUP"
	CodeOwnerCannotLeave    Code = "OWNER_CANNOT_LEAVE"
	CodeCannotRemoveOwner   Code = "CANNOT_REMOVE_OWNER"
	CodePrivateNotDeletable Code = "PRIVATE_NOT_DELETABLE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeUnknownCommand      Code = "UNKNOWN_COMMAND"
	CodeInvalidFrame        Code = "INVALID_FRAME"
	CodeServerError         Code = "SERVER_ERROR"
)
