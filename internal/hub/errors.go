package hub

import "errors"

var (
	ErrHubAlreadyRunning      = errors.New("hub is already running")
	ErrHubNotRunning          = errors.New("hub is not running")
	ErrPublishChannelFull     = errors.New("publish channel is full")
	ErrSubscribeChannelFull   = errors.New("subscribe channel is full")
	ErrUnsubscribeChannelFull = errors.New("unsubscribe channel is full")
	ErrNilSubscriber          = errors.New("subscriber cannot be nil")
)
