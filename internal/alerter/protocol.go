// Package alerter implements the delivery side of the dispatcher: the
// message service connecting the manager with its delivery workers, the job
// payloads exchanged over it, and the transport executors.
package alerter

import "encoding/json"

// Kind identifies a message exchanged between the manager and a worker.
type Kind uint32

const (
	// Worker to manager.
	KindRegister Kind = iota
	KindResult

	// Manager to worker.
	KindEmail
	KindJabber
	KindSMS
	KindWebText
	KindExec
)

// Result error codes.
const (
	ResultOK   = 0
	ResultFail = -1
)

// Register is sent by a worker right after connecting. The manager refuses
// clients reporting a PID other than its own.
type Register struct {
	PID int `json:"pid"`
}

// Result carries the outcome of one delivery attempt.
type Result struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// EmailJob is the payload of a KindEmail message.
type EmailJob struct {
	AlertID    uint64 `json:"alertid"`
	SendTo     string `json:"sendto"`
	Subject    string `json:"subject"`
	Message    string `json:"message"`
	SMTPServer string `json:"smtp_server"`
	SMTPPort   uint16 `json:"smtp_port"`
	SMTPHelo   string `json:"smtp_helo"`
	SMTPEmail  string `json:"smtp_email"`
	Security   uint8  `json:"smtp_security"`
	VerifyPeer uint8  `json:"smtp_verify_peer"`
	VerifyHost uint8  `json:"smtp_verify_host"`
	Auth       uint8  `json:"smtp_authentication"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// JabberJob is the payload of a KindJabber message.
type JabberJob struct {
	AlertID  uint64 `json:"alertid"`
	SendTo   string `json:"sendto"`
	Subject  string `json:"subject"`
	Message  string `json:"message"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// SMSJob is the payload of a KindSMS message.
type SMSJob struct {
	AlertID  uint64 `json:"alertid"`
	SendTo   string `json:"sendto"`
	Message  string `json:"message"`
	GSMModem string `json:"gsm_modem"`
}

// WebTextJob is the payload of a KindWebText message, targeting an HTTP
// text gateway. Path is the gateway endpoint path.
type WebTextJob struct {
	AlertID  uint64 `json:"alertid"`
	SendTo   string `json:"sendto"`
	Message  string `json:"message"`
	Username string `json:"username"`
	Password string `json:"password"`
	Path     string `json:"path"`
}

// ExecJob is the payload of a KindExec message. Command is a fully composed
// shell command with quoted arguments.
type ExecJob struct {
	AlertID uint64 `json:"alertid"`
	Command string `json:"command"`
}

// Marshal serializes a payload for transport.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes a payload received from the service.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
