package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmon/alertflow/internal/alerter"
)

// Slot is one worker slot: the connected client plus the alert currently
// dispatched to it, if any.
type Slot struct {
	client alerter.ClientID
	// connected is false until the worker registers.
	connected bool
	alert     *Alert
}

// Pool pairs the manager with its delivery workers over the message
// service. Slots are allocated up front; workers claim them by registering.
type Pool struct {
	service *alerter.Service

	slots     []*Slot
	free      []*Slot
	byClient  map[alerter.ClientID]*Slot
	nextIndex int

	scriptsPath string
}

// NewPool allocates forks worker slots on the given service. scriptsPath is
// the directory prefix for script media types.
func NewPool(service *alerter.Service, forks int, scriptsPath string) *Pool {
	slots := make([]*Slot, forks)
	for i := range slots {
		slots[i] = &Slot{}
	}
	return &Pool{
		service:     service,
		slots:       slots,
		byClient:    make(map[alerter.ClientID]*Slot),
		scriptsPath: scriptsPath,
	}
}

// errForeignClient marks a registration refused for a PID mismatch.
var errForeignClient = fmt.Errorf("refusing connection from foreign process")

// errSlotsExhausted marks more registrations than configured workers; the
// loop treats it as fatal.
var errSlotsExhausted = fmt.Errorf("no free worker slots for registration")

// Register handles a registration message. Clients reporting a PID other
// than the manager's own are refused and disconnected.
func (p *Pool) Register(client alerter.ClientID, data []byte) error {
	var reg alerter.Register
	if err := alerter.Unmarshal(data, &reg); err != nil {
		p.service.Close(client)
		return fmt.Errorf("malformed registration: %w", err)
	}

	if reg.PID != os.Getpid() {
		p.service.Close(client)
		return errForeignClient
	}

	if p.nextIndex == len(p.slots) {
		return errSlotsExhausted
	}

	slot := p.slots[p.nextIndex]
	p.nextIndex++
	slot.client = client
	slot.connected = true

	p.byClient[client] = slot
	p.free = append(p.free, slot)
	return nil
}

// PopFree removes and returns an idle worker slot, or nil.
func (p *Pool) PopFree() *Slot {
	if len(p.free) == 0 {
		return nil
	}
	slot := p.free[0]
	p.free = p.free[1:]
	return slot
}

// PushFree returns a worker slot to the idle queue.
func (p *Pool) PushFree(slot *Slot) {
	p.free = append(p.free, slot)
}

// slotByClient returns the slot registered for client, or nil.
func (p *Pool) slotByClient(client alerter.ClientID) *Slot {
	return p.byClient[client]
}

// ProcessAlert serializes the alert as a transport job and hands it to the
// worker. It returns false when the alert could not be dispatched: the
// caller then returns the slot to the free queue. Undeliverable alerts
// (unsupported media type, unusable script) are failed without a worker
// round trip.
func (m *Manager) ProcessAlert(pool *Pool, slot *Slot, alert *Alert) bool {
	mt := m.mediaType(alert.MediaTypeID)
	if mt == nil {
		m.log.WithField("alertid", alert.AlertID).Warn("dropping alert without media type")
		return false
	}

	var (
		kind alerter.Kind
		job  any
	)

	switch mt.Type {
	case MediaEmail:
		kind = alerter.KindEmail
		job = alerter.EmailJob{
			AlertID:    alert.AlertID,
			SendTo:     alert.SendTo,
			Subject:    alert.Subject,
			Message:    alert.Message,
			SMTPServer: mt.SMTPServer,
			SMTPPort:   mt.SMTPPort,
			SMTPHelo:   mt.SMTPHelo,
			SMTPEmail:  mt.SMTPEmail,
			Security:   mt.SMTPSecurity,
			VerifyPeer: mt.SMTPVerifyPeer,
			VerifyHost: mt.SMTPVerifyHost,
			Auth:       mt.SMTPAuth,
			Username:   mt.Username,
			Password:   mt.Passwd,
		}
	case MediaJabber:
		kind = alerter.KindJabber
		job = alerter.JabberJob{
			AlertID:  alert.AlertID,
			SendTo:   alert.SendTo,
			Subject:  alert.Subject,
			Message:  alert.Message,
			Username: mt.Username,
			Password: mt.Passwd,
		}
	case MediaSMS:
		kind = alerter.KindSMS
		job = alerter.SMSJob{
			AlertID:  alert.AlertID,
			SendTo:   alert.SendTo,
			Message:  alert.Message,
			GSMModem: mt.GSMModem,
		}
	case MediaEZTexting:
		kind = alerter.KindWebText
		job = alerter.WebTextJob{
			AlertID:  alert.AlertID,
			SendTo:   alert.SendTo,
			Message:  alert.Message,
			Username: mt.Username,
			Password: mt.Passwd,
			Path:     mt.ExecPath,
		}
	case MediaExec:
		kind = alerter.KindExec
		command, err := prepareExecCommand(pool.scriptsPath, mt, alert)
		if err != nil {
			m.BufferUpdate(alert.AlertID, StatusFailed, 0, err.Error())
			m.RemoveAlert(alert)
			return false
		}
		job = alerter.ExecJob{AlertID: alert.AlertID, Command: command}
	default:
		m.BufferUpdate(alert.AlertID, StatusFailed, 0, "unsupported media type")
		m.RemoveAlert(alert)
		m.log.WithField("alertid", alert.AlertID).
			WithField("type", mt.Type).
			Error("cannot process alert: unsupported media type")
		return false
	}

	data, err := alerter.Marshal(job)
	if err != nil {
		m.BufferUpdate(alert.AlertID, StatusFailed, 0, err.Error())
		m.RemoveAlert(alert)
		return false
	}

	slot.alert = alert
	if err := pool.service.Send(slot.client, kind, data); err != nil {
		slot.alert = nil
		m.log.WithError(err).WithField("alertid", alert.AlertID).Error("cannot send job to worker")
		m.RemoveAlert(alert)
		return false
	}

	return true
}

// ProcessResult applies a worker result to the state machine: success
// removes the alert, failure retries it until the media type's attempt
// limit. The resulting status is buffered for the next store flush and the
// worker returns to the free queue. The sent return value is true only for
// a successful delivery. An unknown or idle client violates the slot
// association and is returned as a fatal error.
func (m *Manager) ProcessResult(pool *Pool, client alerter.ClientID, data []byte, now int64) (bool, error) {
	slot := pool.slotByClient(client)
	if slot == nil {
		return false, fmt.Errorf("result from unknown client %d", client)
	}
	if slot.alert == nil {
		return false, fmt.Errorf("result from idle client %d", client)
	}

	var result alerter.Result
	if err := alerter.Unmarshal(data, &result); err != nil {
		return false, fmt.Errorf("malformed result from client %d: %w", client, err)
	}

	alert := slot.alert
	retries := alert.Retries
	alertid := alert.AlertID

	var (
		status int
		errmsg string
		sent   bool
	)

	if result.ErrCode == alerter.ResultOK {
		status = StatusSent
		m.RemoveAlert(alert)
		sent = true
	} else {
		errmsg = result.ErrMsg
		if m.RetryAlert(alert, now) {
			status = StatusNotSent
		} else {
			status = StatusFailed
		}
	}

	m.BufferUpdate(alertid, status, retries, errmsg)

	slot.alert = nil
	pool.PushFree(slot)

	return sent, nil
}

// prepareExecCommand composes the shell command for a script media type:
// the script path joined to the configured scripts directory, followed by
// one quoted argument per newline-separated parameter with alert macros
// expanded. The script must be executable.
func prepareExecCommand(scriptsPath string, mt *MediaType, alert *Alert) (string, error) {
	path := filepath.Join(scriptsPath, mt.ExecPath)

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cannot execute command %q: %s", path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("cannot execute command %q: permission denied", path)
	}

	var b strings.Builder
	b.WriteString(path)

	params := mt.ExecParams
	for {
		i := strings.IndexByte(params, '\n')
		if i < 0 {
			break
		}
		param := alerter.ExpandMacros(params[:i], alert.SendTo, alert.Subject, alert.Message)
		b.WriteByte(' ')
		b.WriteString(alerter.QuoteShellArg(param))
		params = params[i+1:]
	}

	return b.String(), nil
}
