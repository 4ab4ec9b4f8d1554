package command

import "errors"

var (
	ErrUnknownCommand   = errors.New("no handler registered for command")
	ErrDuplicateCommand = errors.New("command already registered")
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)
