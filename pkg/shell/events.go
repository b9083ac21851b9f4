package shell

// Event types exchanged between controllers, the relay and devices.
const (
	EventStart   = "shell_start"
	EventStarted = "shell_started"
	EventReady   = "shell_ready"
	EventInput   = "shell_input"
	EventOutput  = "shell_output"
	EventResize  = "shell_resize"
	EventClose   = "shell_close"
	EventClosed  = "shell_closed"
	EventExpired = "shell_expired"
	EventExit    = "shell_exit"
	EventError   = "shell_error"
)

// Close reasons reported with shell_closed, shell_expired and shell_close.
const (
	ReasonClosedByController     = "closed_by_controller"
	ReasonClosedByDevice         = "closed_by_device"
	ReasonExited                 = "exited"
	ReasonExpired                = "expired"
	ReasonDeviceDisconnected     = "device_disconnected"
	ReasonControllerDisconnected = "controller_disconnected"
	ReasonShutdown               = "shutdown"
	ReasonSlowConsumer           = "slow_consumer"
)

// Event is one message on a shell transport. Data is raw terminal bytes and
// travels base64 encoded in JSON.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}
