package drshare

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

// ConsolePrompt is displayed before each operator command on an interactive console
const ConsolePrompt = "CMD > "

// Console is the line-oriented operator interface. It reads commands from an input
// stream and runs them against a Hub, and is the Hub's OperatorSink for device
// responses and prompts.
type Console struct {
	Logger
	hub         *Hub
	in          io.Reader
	out         io.Writer
	interactive bool
	outLock     sync.Mutex
}

// NewConsole creates a Console reading from in and writing to out. The prompt is only
// shown when in is a terminal.
func NewConsole(logger Logger, hub *Hub, in io.Reader, out io.Writer) *Console {
	c := &Console{
		Logger: logger.Fork("Console"),
		hub:    hub,
		in:     in,
		out:    out,
	}
	if f, ok := in.(*os.File); ok {
		fd := f.Fd()
		c.interactive = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return c
}

// SetInteractive overrides terminal detection for prompt display
func (c *Console) SetInteractive(interactive bool) {
	c.interactive = interactive
}

func (c *Console) printf(f string, args ...interface{}) {
	c.outLock.Lock()
	defer c.outLock.Unlock()
	fmt.Fprintf(c.out, f, args...)
}

// Prompt implements OperatorSink
func (c *Console) Prompt() {
	if c.interactive {
		c.printf("%s", ConsolePrompt)
	}
}

// DeviceResponse implements OperatorSink
func (c *Console) DeviceResponse(rep *ResponseReport) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n--- Response from %s for command %s ---\n",
		displayDeviceID(rep.DeviceID), orDefault(rep.Frame.CommandID, devproto.UnknownCommandID))
	fmt.Fprintf(&b, "Status: %s\n", orDefault(rep.Frame.Status, "N/A"))
	fmt.Fprintf(&b, "Message: %s\n", orDefault(rep.Frame.Message, "No message"))
	if rep.Frame.HasData() {
		fmt.Fprintf(&b, "Data: %s\n", devproto.ToPrettyJsonString(rep.Frame.Data))
	}
	if rep.RoundTrip > 0 {
		fmt.Fprintf(&b, "Round trip: %s\n", rep.RoundTrip)
	}
	b.WriteString("------------------------------------------\n")
	c.printf("%s", b.String())
}

func (c *Console) printHelp() {
	c.printf("\n--- CLI Commands ---\n" +
		"  list                - List connected device IDs\n" +
		"  send <id> <action>  - Send a command to a device (actions: " +
		strings.Join(c.hub.Dispatcher().Actions(), ", ") + ")\n" +
		"  help                - Show this list\n" +
		"  exit                - Shut down the server\n" +
		"--------------------\n")
}

// Run reads and executes operator commands until "exit", end of input, or ctx is
// done. Returns nil in all of those cases.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	readDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				readDone <- nil
				return
			}
		}
		readDone <- scanner.Err()
	}()

	c.printHelp()
	c.Prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readDone:
			if err != nil {
				c.WLogf("Console input failed: %s", err)
			}
			c.printf("CLI terminated.\n")
			return nil
		case line := <-lines:
			if c.Execute(ctx, line) {
				return nil
			}
			c.Prompt()
		}
	}
}

// Execute runs a single operator command line. Returns true if the console should exit.
// The command keyword and action are case-insensitive; device ids are not.
func (c *Console) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command := strings.ToLower(fields[0])
	switch command {
	case "list":
		c.list(ctx)
	case "send":
		c.send(ctx, fields[1:])
	case "help":
		c.printHelp()
	case "exit":
		c.printf("Shutting down server...\n")
		return true
	default:
		c.printf("Unknown command: '%s'. Type 'list' or 'help' for available commands.\n",
			strings.ToLower(strings.TrimSpace(line)))
	}
	return false
}

func (c *Console) list(ctx context.Context) {
	ids, err := c.hub.ListDevices(ctx)
	if err != nil {
		c.printf("Error: %s\n", err)
		return
	}
	if len(ids) == 0 {
		c.printf("No devices connected.\n")
		return
	}
	var b strings.Builder
	b.WriteString("Connected Devices:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "  - %s\n", id)
	}
	c.printf("%s", b.String())
}

func (c *Console) send(ctx context.Context, args []string) {
	if len(args) < 1 {
		c.printf("Error: Please specify a device ID. Usage: send <id> <action>\n")
		return
	}
	if len(args) < 2 {
		c.printf("Error: Please specify a command action (e.g., wifi). Usage: send <id> <action>\n")
		return
	}
	deviceID := args[0]
	action := strings.ToLower(args[1])

	result, err := c.hub.SendCommand(ctx, deviceID, action)
	if err != nil {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			c.printf("Failed to send command to %s: %s\n", deviceID, transportErr.Err)
		} else {
			c.printf("Error: %s.\n", err)
		}
		return
	}
	c.printf("Sent '%s' command to %s. (Command ID: %s)\n", result.Action, result.DeviceID, result.CommandID)
}
