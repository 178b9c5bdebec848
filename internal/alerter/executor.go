package alerter

import (
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Executor runs delivery jobs inside a worker. Each transport is a Sender;
// transports without a configured sender fail the job without retry-worthy
// detail, leaving the retry decision to the manager.
type Executor struct {
	senders map[Kind]Sender
}

// Sender delivers one job payload.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// NewExecutor returns an executor with the built-in transports: SMTP email,
// script execution, GSM modem SMS and the HTTP text gateway.
func NewExecutor() *Executor {
	e := &Executor{senders: make(map[Kind]Sender)}
	e.Register(KindEmail, SenderFunc(sendEmail))
	e.Register(KindExec, SenderFunc(runScript))
	e.Register(KindSMS, SenderFunc(sendSMS))
	e.Register(KindWebText, SenderFunc(sendWebText))
	return e
}

// Register installs or replaces the sender for a transport.
func (e *Executor) Register(kind Kind, sender Sender) {
	e.senders[kind] = sender
}

// Execute runs one job and reports the outcome as a Result.
func (e *Executor) Execute(ctx context.Context, msg Message) Result {
	sender, ok := e.senders[msg.Kind]
	if !ok {
		return Result{ErrCode: ResultFail, ErrMsg: fmt.Sprintf("no transport configured for message kind %d", msg.Kind)}
	}
	if err := sender.Send(ctx, msg); err != nil {
		return Result{ErrCode: ResultFail, ErrMsg: err.Error()}
	}
	return Result{ErrCode: ResultOK}
}

func sendEmail(_ context.Context, msg Message) error {
	var job EmailJob
	if err := Unmarshal(msg.Data, &job); err != nil {
		return fmt.Errorf("malformed email job: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", job.SMTPServer, job.SMTPPort)

	var auth smtp.Auth
	if job.Auth != 0 {
		auth = smtp.PlainAuth("", job.Username, job.Password, job.SMTPServer)
	}

	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		job.SMTPEmail, job.SendTo, job.Subject, job.Message)

	if err := smtp.SendMail(addr, auth, job.SMTPEmail, []string{job.SendTo}, []byte(body)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func runScript(ctx context.Context, msg Message) error {
	var job ExecJob
	if err := Unmarshal(msg.Data, &job); err != nil {
		return fmt.Errorf("malformed exec job: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", job.Command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		out := strings.TrimSpace(string(output))
		if out != "" {
			return fmt.Errorf("script failed: %s: %s", err, out)
		}
		return fmt.Errorf("script failed: %w", err)
	}
	return nil
}

func sendSMS(_ context.Context, msg Message) error {
	var job SMSJob
	if err := Unmarshal(msg.Data, &job); err != nil {
		return fmt.Errorf("malformed sms job: %w", err)
	}

	modem, err := os.OpenFile(job.GSMModem, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open modem device %q: %w", job.GSMModem, err)
	}
	defer modem.Close()

	// Minimal text-mode AT dialogue; the modem is expected to answer OK
	// between commands, which serial buffering absorbs here.
	cmds := []string{
		"AT\r",
		"AT+CMGF=1\r",
		fmt.Sprintf("AT+CMGS=\"%s\"\r", job.SendTo),
		job.Message + "\x1a",
	}
	for _, c := range cmds {
		if _, err := modem.WriteString(c); err != nil {
			return fmt.Errorf("modem write failed: %w", err)
		}
	}
	return nil
}

func sendWebText(ctx context.Context, msg Message) error {
	var job WebTextJob
	if err := Unmarshal(msg.Data, &job); err != nil {
		return fmt.Errorf("malformed webtext job: %w", err)
	}

	form := url.Values{}
	form.Set("user", job.Username)
	form.Set("pass", job.Password)
	form.Set("phonenumber", job.SendTo)
	form.Set("message", job.Message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("cannot build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}
