package mqtt

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/google/uuid"

	"github.com/relabs-tech/fleetcontrol/core/logger"
	"github.com/relabs-tech/fleetcontrol/iot/policy"
	"github.com/relabs-tech/fleetcontrol/iot/rollout"
	"github.com/relabs-tech/fleetcontrol/iot/shadow"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// mqttServer is the part of the concrete server the broker drives. The
// exported gmqtt.Server interface does not declare Run and Stop, the
// value returned by gmqtt.NewServer does.
type mqttServer interface {
	Run()
	Stop(ctx context.Context) error
}

// Broker is the MQTT broker of the fleet control plane.
type Broker struct {
	p *plugin
	s mqttServer
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Engine verifies credential tokens and rebuilds device ACLs.
	// This is mandatory.
	Engine *policy.Engine
	// Shadows receives shadow/reported publishes. This is optional.
	Shadows *shadow.Service
	// Rollouts receives ota/progress publishes. This is optional.
	Rollouts *rollout.Manager
	// Address is the listen address, default is ":1883" without TLS
	// and ":8883" with TLS.
	Address string
	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// identity is the verified identity of one connected client.
type identity struct {
	tenantID   string
	deviceType string
	deviceID   string
	acl        policy.ACL
}

// plugin is the plugin for GMQTT
type plugin struct {
	engine   *policy.Engine
	shadows  *shadow.Service
	rollouts *rollout.Manager

	identityRwmux sync.RWMutex
	identities    map[string]identity

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Engine == nil {
		panic("Engine is missing")
	}

	var ln net.Listener
	var err error
	if bb.CertFile != "" && bb.KeyFile != "" {
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		address := bb.Address
		if address == "" {
			address = ":8883"
		}
		ln, err = tls.Listen("tcp", address, &tls.Config{Certificates: []tls.Certificate{crt}})
		if err != nil {
			panic(err)
		}
	} else {
		address := bb.Address
		if address == "" {
			address = ":1883"
		}
		ln, err = net.Listen("tcp", address)
		if err != nil {
			panic(err)
		}
	}

	p := &plugin{
		engine:     bb.Engine,
		shadows:    bb.Shadows,
		rollouts:   bb.Rollouts,
		identities: make(map[string]identity),
	}
	b := &Broker{
		p: p,
		s: gmqtt.NewServer(
			gmqtt.WithTCPListener(ln),
			gmqtt.WithPlugin(p),
		),
	}
	return b
}

// Run starts the broker. It does not block.
func (b *Broker) Run() {
	b.s.Run()
	log.Println("mqtt broker started")
}

// Stop gracefully shuts the broker down.
func (b *Broker) Stop(ctx context.Context) error {
	return b.s.Stop(ctx)
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	log.Printf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	log.Println("load fleetcontrol broker plugin")
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "fleetcontrol broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) identityFromClientID(clientID string) (identity, bool) {
	p.identityRwmux.RLock()
	defer p.identityRwmux.RUnlock()
	id, ok := p.identities[clientID]
	return id, ok
}

// OnConnectWrapper authenticates the credential token and rebuilds the
// client's permission set. The client id must equal the username.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		username := options.Username()
		tenantID, deviceType, deviceID, ok := policy.ParseUsername(username)
		if !ok {
			log.Println("connect denied, malformed username", username)
			return packets.CodeBadUsernameorPsw
		}
		credentials, err := policy.ParseToken(username, options.Password())
		if err != nil {
			log.Println("connect denied for", username, ":", err)
			return packets.CodeBadUsernameorPsw
		}
		if !p.engine.VerifyCredentials(credentials, deviceType, time.Now()) {
			log.Println("connect denied, invalid or expired credentials for", username)
			return packets.CodeBadUsernameorPsw
		}
		if options.ClientID() != username {
			log.Println("connect denied,", options.ClientID(), "does not match", username)
			return packets.CodeNotAuthorized
		}

		p.identityRwmux.Lock()
		p.identities[username] = identity{
			tenantID:   tenantID,
			deviceType: deviceType,
			deviceID:   deviceID,
			acl:        policy.GenerateACL(tenantID, deviceType, deviceID),
		}
		p.identityRwmux.Unlock()
		log.Println("connect", username)
		return connect(ctx, client)
	}
}

// OnCloseWrapper drops the cached identity
func (p *plugin) OnCloseWrapper(onClose gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.identityRwmux.Lock()
		delete(p.identities, client.OptionsReader().ClientID())
		p.identityRwmux.Unlock()
		onClose(ctx, client, err)
	}
}

// OnSubscribeWrapper enforces the subscribe side of the device ACL
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		id, ok := p.identityFromClientID(client.OptionsReader().ClientID())
		if !ok || !id.acl.CanSubscribe(topic.Name) {
			log.Println("OnSubscribe", client.OptionsReader().ClientID(), topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper enforces the publish side of the device ACL and
// ingests shadow reports and rollout progress into the control plane
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		id, ok := p.identityFromClientID(clientID)
		if !ok || !id.acl.CanPublish(topic) {
			log.Println("OnMsgArrived", clientID, topic, "denied!")
			return false
		}

		_, _, _, channel, ok := policy.ParseTopic(topic)
		if !ok {
			return false
		}
		ctx, _ = logger.ContextWithDevice(ctx, id.tenantID, id.deviceID)
		switch channel {
		case policy.ChannelShadowReported:
			if !p.ingestShadowReport(ctx, id, msg.Payload()) {
				return false
			}
		case policy.ChannelOTAProgress:
			if !p.ingestRolloutProgress(ctx, id, msg.Payload()) {
				return false
			}
		}
		return arrived(ctx, client, msg)
	}
}

func (p *plugin) ingestShadowReport(ctx context.Context, id identity, body []byte) bool {
	var partial map[string]json.RawMessage
	if err := json.Unmarshal(body, &partial); err != nil {
		log.Println("invalid shadow report from", id.deviceID, ":", err)
		return false
	}
	if p.shadows == nil {
		return true
	}
	if _, err := p.shadows.UpdateReported(ctx, id.tenantID, id.deviceID, partial); err != nil {
		log.Println("cannot store shadow report from", id.deviceID, ":", err)
	}
	return true
}

func (p *plugin) ingestRolloutProgress(ctx context.Context, id identity, body []byte) bool {
	var report struct {
		RolloutID uuid.UUID `json:"rolloutId"`
		Status    string    `json:"status"`
		Progress  int       `json:"progress"`
		Error     string    `json:"error"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		log.Println("invalid progress report from", id.deviceID, ":", err)
		return false
	}
	if p.rollouts == nil {
		return true
	}
	_, err := p.rollouts.UpdateDeviceProgress(ctx, id.tenantID, report.RolloutID, id.deviceID,
		state.TaskStatus(report.Status), report.Progress, report.Error)
	if err != nil {
		// the report stays on the topic for observers, only the task
		// bookkeeping is refused
		log.Println("cannot record progress from", id.deviceID, ":", err)
	}
	return true
}
