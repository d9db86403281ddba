package msgsig

// Message is one of the closed set of signaling messages in this package.
type Message interface {
	MsgType() MessageType
	Debug() string

	fields() []field
}

func (m *ServerHello) MsgType() MessageType {
	return ServerHelloType
}
func (m *ClientHello) MsgType() MessageType {
	return ClientHelloType
}
func (m *ClientAuth) MsgType() MessageType {
	return ClientAuthType
}
func (m *ServerAuth) MsgType() MessageType {
	return ServerAuthType
}
func (m *NewInitiator) MsgType() MessageType {
	return NewInitiatorType
}
func (m *NewResponder) MsgType() MessageType {
	return NewResponderType
}
func (m *DropResponder) MsgType() MessageType {
	return DropResponderType
}
func (m *SendError) MsgType() MessageType {
	return SendErrorType
}
func (m *Disconnected) MsgType() MessageType {
	return DisconnectedType
}
func (m *Token) MsgType() MessageType {
	return TokenType
}
func (m *Key) MsgType() MessageType {
	return KeyType
}
func (m *Auth) MsgType() MessageType {
	return AuthType
}
func (m *Application) MsgType() MessageType {
	return ApplicationType
}
func (m *Close) MsgType() MessageType {
	return CloseType
}
