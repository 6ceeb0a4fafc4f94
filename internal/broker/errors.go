package broker

import "errors"

var (
	ErrRequestTimeout     = errors.New("request_timeout")
	ErrClientDisconnected = errors.New("client_disconnected")
)
