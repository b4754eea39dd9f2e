package wscutils

const (
	ErrcodeUnknown            = "unknown"
	ERRCODE_INVALID_REQUEST   = "invalid_request"
	ErrcodeInvalidJson        = "invalid_json"
	ErrcodeDatabaseError      = "database_error"
	ErrcodeRequestUserInvalid = "request_user_invalid"
	ErrcodeMissing            = "missing"
	ErrcodeNotFound           = "not_found"
	ErrcodeFileTooLarge       = "file_too_large"
	ErrcodeUnsupportedMedia   = "unsupported_media"
	ErrcodeTooManyRequests    = "too_many_requests"
	ErrcodeNotReady           = "not_ready"
	ErrcodeAlreadyExists      = "already_exists"
)
