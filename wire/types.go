package wire

// Op identifies the kind of protocol message.
type Op string

// Protocol message kinds.
const (
	OpAdvertise          Op = "advertise"
	OpUnadvertise        Op = "unadvertise"
	OpPublish            Op = "publish"
	OpSubscribe          Op = "subscribe"
	OpUnsubscribe        Op = "unsubscribe"
	OpAdvertiseService   Op = "advertise_service"
	OpUnadvertiseService Op = "unadvertise_service"
	OpCallService        Op = "call_service"
	OpServiceResponse    Op = "service_response"
)

// Frame is the encoding-independent form of every protocol message.
// Name holds the topic or the service, depending on Op.
type Frame struct {
	Op        Op
	Name      string
	Type      string
	ReplyType string
	ID        string
	Body      string
	Result    bool
}
