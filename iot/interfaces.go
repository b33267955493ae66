package iot

// MessagePublisher publishes a message to connected devices. The broker
// implements it; the shadow service and the rollout manager use it for
// desired-update and firmware notifications.
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}
