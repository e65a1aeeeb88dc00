package utility

// AppError carries a plain message for failures raised by the application
// itself rather than by a driver or the runtime.
type AppError struct {
	message string
}

func (e *AppError) Error() string {
	return e.message
}

func Err(m string) error {
	return &AppError{message: m}
}
