package repository

import "errors"

// ErrNotFound is returned when a conversation or message does not exist. The
// service layer translates it into the application-level not-found error so
// callers never see storage details such as sql.ErrNoRows or DynamoDB
// condition failures.
var ErrNotFound = errors.New("repository: not found")
