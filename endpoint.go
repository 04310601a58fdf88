package wsbridge

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/wsbridge/encoding"
	"github.com/outofforest/wsbridge/transport"
)

var (
	// ErrUnknownTopic is returned when publishing on topic which has not been advertised.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrUnknownService is returned when calling service nobody provides.
	ErrUnknownService = errors.New("unknown service")
)

// Sender sends payloads over connections.
type Sender interface {
	Send(id transport.ConnID, payload []byte) error
}

// Options is the host configuration attached to a registration. It is stored, not interpreted.
type Options map[string]any

// SubscriptionCallback receives messages published on subscribed topic.
type SubscriptionCallback func(ctx context.Context, message any)

// RequestCallback handles service request received from peer.
// The response is delivered by passing call back to client.ReceiveResponse.
type RequestCallback func(ctx context.Context, request any, client ServiceClient, call *CallHandle)

// ServiceClient receives the response to a service call together with the handle
// passed when the call was placed.
type ServiceClient interface {
	ReceiveResponse(ctx context.Context, call any, response any)
}

// CallHandle threads service request received from peer through to its response.
type CallHandle struct {
	service     string
	requestType string
	replyType   string
	id          string
	conn        transport.ConnID
}

// Service returns the name of called service.
func (h *CallHandle) Service() string {
	return h.service
}

// RequestType returns the type of the request.
func (h *CallHandle) RequestType() string {
	return h.requestType
}

// ReplyType returns the type of the expected reply.
func (h *CallHandle) ReplyType() string {
	return h.replyType
}

// ID returns the correlation id assigned by the caller.
func (h *CallHandle) ID() string {
	return h.id
}

// Conn returns the connection the request came from.
func (h *CallHandle) Conn() transport.ConnID {
	return h.conn
}

type topicSubscribeInfo struct {
	TypeName  string
	Callback  SubscriptionCallback
	Options   Options
	Blacklist map[transport.ConnID]struct{}
}

type topicPublishInfo struct {
	TypeName  string
	Listeners map[transport.ConnID]map[string]struct{}
}

type clientProxyInfo struct {
	RequestType string
	ReplyType   string
	Callback    RequestCallback
	Options     Options
}

type serviceProviderInfo struct {
	RequestType string
	ReplyType   string
	Conn        transport.ConnID
	Options     Options
}

// Endpoint routes topics and services between the host and connected peers.
type Endpoint struct {
	encoding encoding.Encoding
	sender   Sender
	calls    *callRegistry

	mu            sync.Mutex
	startup       [][]byte
	subscriptions map[string]*topicSubscribeInfo
	publications  map[string]*topicPublishInfo
	clientProxies map[string]*clientProxyInfo
	providers     map[string]*serviceProviderInfo
}

// NewEndpoint creates endpoint encoding messages with enc and sending them with sender.
func NewEndpoint(enc encoding.Encoding, sender Sender) *Endpoint {
	return &Endpoint{
		encoding:      enc,
		sender:        sender,
		calls:         newCallRegistry(),
		subscriptions: map[string]*topicSubscribeInfo{},
		publications:  map[string]*topicPublishInfo{},
		clientProxies: map[string]*clientProxyInfo{},
		providers:     map[string]*serviceProviderInfo{},
	}
}

// Encoding returns the encoding used by endpoint.
func (endpoint *Endpoint) Encoding() encoding.Encoding {
	return endpoint.encoding
}

// Subscribe registers callback for messages published by peers on topic.
func (endpoint *Endpoint) Subscribe(
	ctx context.Context,
	topic string,
	msgType encoding.Type,
	callback SubscriptionCallback,
	options Options,
) error {
	logger.Get(ctx).Debug("Subscribing to topic", zap.String("topic", topic), zap.String("type", msgType.Name))

	endpoint.encoding.AddType(msgType)
	payload, err := endpoint.encoding.EncodeSubscribe(topic, msgType.Name, "")
	if err != nil {
		return err
	}

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	endpoint.appendStartup(payload)

	info, exists := endpoint.subscriptions[topic]
	if !exists {
		info = &topicSubscribeInfo{
			Blacklist: map[transport.ConnID]struct{}{},
		}
		endpoint.subscriptions[topic] = info
	}
	info.TypeName = msgType.Name
	info.Callback = callback
	info.Options = options

	return nil
}

// TopicPublisher publishes messages on advertised topic.
type TopicPublisher struct {
	endpoint *Endpoint
	topic    string
}

// Topic returns the name of the topic.
func (p *TopicPublisher) Topic() string {
	return p.topic
}

// Publish publishes message to all the peers subscribed to the topic.
func (p *TopicPublisher) Publish(ctx context.Context, message any) error {
	return p.endpoint.Publish(ctx, p.topic, message)
}

// Advertise announces to peers that host publishes on topic.
func (endpoint *Endpoint) Advertise(
	ctx context.Context,
	topic string,
	msgType encoding.Type,
	options Options,
) (*TopicPublisher, error) {
	logger.Get(ctx).Debug("Advertising topic", zap.String("topic", topic), zap.String("type", msgType.Name))

	if err := endpoint.StartupAdvertisement(ctx, topic, msgType, "", options); err != nil {
		return nil, err
	}
	return &TopicPublisher{
		endpoint: endpoint,
		topic:    topic,
	}, nil
}

// StartupAdvertisement registers publication on topic and adds its advertisement to the
// messages sent whenever connection is opened.
func (endpoint *Endpoint) StartupAdvertisement(
	ctx context.Context,
	topic string,
	msgType encoding.Type,
	id string,
	options Options,
) error {
	endpoint.encoding.AddType(msgType)
	payload, err := endpoint.encoding.EncodeAdvertise(topic, msgType.Name, id)
	if err != nil {
		return err
	}

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	endpoint.registerPublication(topic, msgType.Name)
	endpoint.appendStartup(payload)
	return nil
}

// CreateClientProxy registers callback handling requests sent by peers to service.
// Zero replyType means that service uses single type.
func (endpoint *Endpoint) CreateClientProxy(
	ctx context.Context,
	service string,
	requestType, replyType encoding.Type,
	callback RequestCallback,
	options Options,
) error {
	logger.Get(ctx).Debug("Creating service client proxy",
		zap.String("service", service),
		zap.String("requestType", requestType.Name),
		zap.String("replyType", replyType.Name))

	endpoint.encoding.AddType(requestType)
	if replyType.Name != "" {
		endpoint.encoding.AddType(replyType)
	}

	// Peer learns from this message that requests for the service may be sent here.
	payload, err := endpoint.encoding.EncodeAdvertiseService(service, requestType.Name, replyType.Name, "")
	if err != nil {
		return err
	}

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	endpoint.clientProxies[service] = &clientProxyInfo{
		RequestType: requestType.Name,
		ReplyType:   replyType.Name,
		Callback:    callback,
		Options:     options,
	}
	endpoint.appendStartup(payload)

	return nil
}

// ServiceProxy places calls to service provided by peer.
type ServiceProxy struct {
	endpoint *Endpoint
	service  string
}

// Service returns the name of the service.
func (p *ServiceProxy) Service() string {
	return p.service
}

// Call sends request to the peer providing the service. Response is delivered to client.
func (p *ServiceProxy) Call(ctx context.Context, request any, client ServiceClient, call any) error {
	return p.endpoint.CallService(ctx, p.service, request, client, call)
}

// CreateServiceProxy registers service which is provided by peer and used by host.
// Zero replyType means that service uses single type.
func (endpoint *Endpoint) CreateServiceProxy(
	ctx context.Context,
	service string,
	requestType, replyType encoding.Type,
	options Options,
) *ServiceProxy {
	logger.Get(ctx).Debug("Creating service server proxy",
		zap.String("service", service),
		zap.String("requestType", requestType.Name),
		zap.String("replyType", replyType.Name))

	endpoint.encoding.AddType(requestType)
	if replyType.Name != "" {
		endpoint.encoding.AddType(replyType)
	}

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	info, exists := endpoint.providers[service]
	if !exists {
		info = &serviceProviderInfo{}
		endpoint.providers[service] = info
	}
	info.RequestType = requestType.Name
	info.ReplyType = replyType.Name
	info.Options = options

	return &ServiceProxy{
		endpoint: endpoint,
		service:  service,
	}
}

// Publish sends message to every peer subscribed to topic.
func (endpoint *Endpoint) Publish(ctx context.Context, topic string, message any) error {
	endpoint.mu.Lock()
	info, exists := endpoint.publications[topic]
	if !exists {
		endpoint.mu.Unlock()
		return errors.Wrapf(ErrUnknownTopic, "topic %q", topic)
	}
	typeName := info.TypeName
	listeners := make([]transport.ConnID, 0, len(info.Listeners))
	for conn := range info.Listeners {
		listeners = append(listeners, conn)
	}
	endpoint.mu.Unlock()

	if len(listeners) == 0 {
		return nil
	}

	log := logger.Get(ctx)

	payload, err := endpoint.encoding.EncodePublication(topic, typeName, "", message)
	if err != nil {
		log.Error("Failed to encode publication", zap.String("topic", topic), zap.Error(err))
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	for _, conn := range listeners {
		if err := endpoint.sender.Send(conn, payload); err != nil {
			log.Error("Failed to send publication",
				zap.String("topic", topic), zap.Uint64("conn", uint64(conn)), zap.Error(err))
			continue
		}
		log.Debug("Sent publication", zap.String("topic", topic), zap.Uint64("conn", uint64(conn)))
	}

	return nil
}

// CallService sends request to the peer providing service. The response is passed
// to client together with call.
func (endpoint *Endpoint) CallService(
	ctx context.Context,
	service string,
	request any,
	client ServiceClient,
	call any,
) error {
	id := endpoint.calls.Register(client, call)

	endpoint.mu.Lock()
	var provider serviceProviderInfo
	info, exists := endpoint.providers[service]
	if exists {
		provider = *info
	}
	endpoint.mu.Unlock()

	log := logger.Get(ctx).With(zap.String("service", service), zap.String("id", id))

	if !exists {
		endpoint.calls.Drop(id)
		return errors.Wrapf(ErrUnknownService, "service %q", service)
	}
	if provider.Conn == transport.NoConn {
		endpoint.calls.Drop(id)
		return errors.Wrapf(ErrUnknownService, "service %q is not provided by any peer", service)
	}

	payload, err := endpoint.encoding.EncodeCallService(service, provider.RequestType, id, request)
	if err != nil {
		endpoint.calls.Drop(id)
		log.Error("Failed to encode service request", zap.Error(err))
		return err
	}
	if len(payload) == 0 {
		endpoint.calls.Drop(id)
		return nil
	}

	if err := endpoint.sender.Send(provider.Conn, payload); err != nil {
		endpoint.calls.Drop(id)
		log.Error("Failed to call service", zap.Error(err))
		return err
	}

	log.Debug("Called service", zap.String("requestType", provider.RequestType))
	return nil
}

// PendingCalls returns the number of service calls waiting for response.
func (endpoint *Endpoint) PendingCalls() int {
	return endpoint.calls.Len()
}

// ReceiveResponse sends response of the host to the request received from peer.
// Call must be the handle passed to RequestCallback.
func (endpoint *Endpoint) ReceiveResponse(ctx context.Context, call any, response any) {
	handle, ok := call.(*CallHandle)
	if !ok {
		logger.Get(ctx).Error("Unexpected call handle", zap.Any("call", call))
		return
	}
	if err := endpoint.Respond(ctx, handle, response); err != nil {
		logger.Get(ctx).Error("Failed to send service response",
			zap.String("service", handle.service), zap.String("id", handle.id), zap.Error(err))
	}
}

// Respond sends response to the connection the request came from.
func (endpoint *Endpoint) Respond(ctx context.Context, call *CallHandle, response any) error {
	payload, err := endpoint.encoding.EncodeServiceResponse(call.service, call.replyType, call.id, response)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if err := endpoint.sender.Send(call.conn, payload); err != nil {
		return err
	}

	logger.Get(ctx).Debug("Sent service response", zap.String("service", call.service), zap.String("id", call.id))
	return nil
}

// ReceiveTopicAdvertisement blacklists connections advertising topic with type different
// from the expected one.
func (endpoint *Endpoint) ReceiveTopicAdvertisement(
	ctx context.Context,
	conn transport.ConnID,
	topic, typeName, _ string,
) {
	log := logger.Get(ctx).With(zap.String("topic", topic), zap.String("type", typeName))

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	info, exists := endpoint.subscriptions[topic]
	if !exists {
		log.Warn("Remote connection advertised topic nobody subscribes to")
		return
	}

	if typeName != info.TypeName {
		info.Blacklist[conn] = struct{}{}
		log.Warn("Remote connection advertised topic with wrong message type, its messages will be ignored",
			zap.String("expectedType", info.TypeName), zap.Uint64("conn", uint64(conn)))
		return
	}

	delete(info.Blacklist, conn)
	log.Info("Remote connection advertised topic")
}

// ReceiveTopicUnadvertisement is accepted and ignored.
func (endpoint *Endpoint) ReceiveTopicUnadvertisement(context.Context, transport.ConnID, string, string) {}

// SubscriptionType returns the type of subscription on topic if publications from conn are accepted.
func (endpoint *Endpoint) SubscriptionType(conn transport.ConnID, topic string) (string, bool) {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	info, exists := endpoint.subscriptions[topic]
	if !exists {
		return "", false
	}
	if _, blacklisted := info.Blacklist[conn]; blacklisted {
		return "", false
	}
	return info.TypeName, true
}

// ReceivePublication passes message to the subscriber of topic.
func (endpoint *Endpoint) ReceivePublication(ctx context.Context, conn transport.ConnID, topic string, message any) {
	endpoint.mu.Lock()
	info, exists := endpoint.subscriptions[topic]
	if !exists {
		endpoint.mu.Unlock()
		return
	}
	if _, blacklisted := info.Blacklist[conn]; blacklisted {
		endpoint.mu.Unlock()
		return
	}
	callback := info.Callback
	endpoint.mu.Unlock()

	if callback != nil {
		callback(ctx, message)
	}
}

// ReceiveSubscribeRequest registers peer as a listener of topic.
func (endpoint *Endpoint) ReceiveSubscribeRequest(
	ctx context.Context,
	conn transport.ConnID,
	topic, typeName, id string,
) {
	log := logger.Get(ctx).With(zap.String("topic", topic), zap.String("type", typeName))

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	info, exists := endpoint.publications[topic]
	switch {
	case !exists:
		log.Warn("Received subscription request for topic which is not advertised")
		info = endpoint.registerPublication(topic, typeName)
	case typeName != "" && typeName != info.TypeName:
		log.Error("Received subscription request with message type different from the published one",
			zap.String("publishedType", info.TypeName))
		return
	default:
		log.Debug("Received subscription request")
	}

	ids, exists := info.Listeners[conn]
	if !exists {
		ids = map[string]struct{}{}
		info.Listeners[conn] = ids
	}
	ids[id] = struct{}{}
}

// ReceiveUnsubscribeRequest removes subscription of peer. Empty id removes all the
// subscriptions of the connection.
func (endpoint *Endpoint) ReceiveUnsubscribeRequest(ctx context.Context, conn transport.ConnID, topic, id string) {
	log := logger.Get(ctx).With(zap.String("topic", topic))

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	info, exists := endpoint.publications[topic]
	if !exists {
		log.Error("Received unsubscription request for topic which is not advertised")
		return
	}

	ids, exists := info.Listeners[conn]
	if !exists {
		return
	}

	log.Debug("Received unsubscription request", zap.String("id", id))

	if id == "" {
		delete(info.Listeners, conn)
		return
	}

	delete(ids, id)
	if len(ids) == 0 {
		delete(info.Listeners, conn)
	}
}

// ReceiveServiceRequest passes request of peer to the client proxy of service.
func (endpoint *Endpoint) ReceiveServiceRequest(
	ctx context.Context,
	conn transport.ConnID,
	service string,
	request any,
	id string,
) {
	log := logger.Get(ctx).With(zap.String("service", service))

	endpoint.mu.Lock()
	info, exists := endpoint.clientProxies[service]
	var proxy clientProxyInfo
	if exists {
		proxy = *info
	}
	endpoint.mu.Unlock()

	if !exists {
		log.Error("Received request for service which is not provided")
		return
	}

	log.Debug("Received service request", zap.String("id", id))

	if proxy.Callback == nil {
		return
	}
	replyType := proxy.ReplyType
	if replyType == "" {
		replyType = proxy.RequestType
	}

	proxy.Callback(ctx, request, endpoint, &CallHandle{
		service:     service,
		requestType: proxy.RequestType,
		replyType:   replyType,
		id:          id,
		conn:        conn,
	})
}

// ReceiveServiceAdvertisement binds service to the advertising connection.
func (endpoint *Endpoint) ReceiveServiceAdvertisement(
	ctx context.Context,
	conn transport.ConnID,
	service, requestType, replyType string,
) {
	logger.Get(ctx).Debug("Received service advertisement",
		zap.String("service", service),
		zap.String("requestType", requestType),
		zap.String("replyType", replyType))

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	endpoint.providers[service] = &serviceProviderInfo{
		RequestType: requestType,
		ReplyType:   replyType,
		Conn:        conn,
	}
}

// ReceiveServiceUnadvertisement unbinds service if it is provided by the connection.
func (endpoint *Endpoint) ReceiveServiceUnadvertisement(ctx context.Context, conn transport.ConnID, service, _ string) {
	log := logger.Get(ctx).With(zap.String("service", service))

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	info, exists := endpoint.providers[service]
	if !exists {
		log.Warn("Received unadvertisement for unknown service")
		return
	}

	log.Debug("Received service unadvertisement")

	if info.Conn == conn {
		delete(endpoint.providers, service)
	}
}

// ReceiveServiceResponse passes response to the client waiting for it.
func (endpoint *Endpoint) ReceiveServiceResponse(
	ctx context.Context,
	_ transport.ConnID,
	service string,
	response any,
	id string,
) {
	log := logger.Get(ctx).With(zap.String("service", service), zap.String("id", id))

	call, exists := endpoint.calls.Take(id)
	if !exists {
		log.Error("Remote connection provided service response with unrecognized id")
		return
	}

	log.Debug("Received service response")
	call.Client.ReceiveResponse(ctx, call.Handle, response)
}

// ConnectionOpened sends startup messages to the connection.
func (endpoint *Endpoint) ConnectionOpened(ctx context.Context, conn transport.ConnID) {
	endpoint.mu.Lock()
	startup := make([][]byte, len(endpoint.startup))
	copy(startup, endpoint.startup)
	endpoint.mu.Unlock()

	log := logger.Get(ctx).With(zap.Uint64("conn", uint64(conn)))
	log.Debug("Connection opened", zap.Int("startupMessages", len(startup)))

	for _, payload := range startup {
		if err := endpoint.sender.Send(conn, payload); err != nil {
			log.Error("Failed to send startup message", zap.Error(err))
			return
		}
	}
}

// ConnectionClosed forgets everything bound to the connection except pending service calls,
// because their responses may still arrive after peer reconnects.
func (endpoint *Endpoint) ConnectionClosed(ctx context.Context, conn transport.ConnID) {
	logger.Get(ctx).Debug("Connection closed", zap.Uint64("conn", uint64(conn)))

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	for _, info := range endpoint.subscriptions {
		delete(info.Blacklist, conn)
	}
	for _, info := range endpoint.publications {
		delete(info.Listeners, conn)
	}
	for service, info := range endpoint.providers {
		if info.Conn == conn {
			delete(endpoint.providers, service)
		}
	}
}

func (endpoint *Endpoint) dispatch(ctx context.Context, conn transport.ConnID, payload []byte) {
	if err := endpoint.encoding.Decode(ctx, payload, endpoint, conn); err != nil {
		logger.Get(ctx).Error("Dropping message which could not be decoded",
			zap.Uint64("conn", uint64(conn)), zap.Error(err))
	}
}

func (endpoint *Endpoint) runtimeAdvertisement(topic string, msgType encoding.Type, id string) ([]byte, error) {
	endpoint.encoding.AddType(msgType)
	payload, err := endpoint.encoding.EncodeAdvertise(topic, msgType.Name, id)
	if err != nil {
		return nil, err
	}

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	endpoint.registerPublication(topic, msgType.Name)
	return payload, nil
}

func (endpoint *Endpoint) registerPublication(topic, typeName string) *topicPublishInfo {
	info, exists := endpoint.publications[topic]
	if !exists {
		info = &topicPublishInfo{
			Listeners: map[transport.ConnID]map[string]struct{}{},
		}
		endpoint.publications[topic] = info
	}
	info.TypeName = typeName
	return info
}

func (endpoint *Endpoint) appendStartup(payload []byte) {
	if len(payload) > 0 {
		endpoint.startup = append(endpoint.startup, payload)
	}
}
