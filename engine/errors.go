package engine

// ApplicationError carries an error message the backend placed on the stream
// as an error record. It signals a failure inside the model provider or the
// application code behind the endpoint, as opposed to a transport or
// protocol failure on the way there.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	return e.Message
}
