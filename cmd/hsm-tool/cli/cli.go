package cli

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xwallet/cryptoprov"
	"github.com/effective-security/xwallet/x/ctl"

	// register PKCS#11 providers
	_ "github.com/effective-security/xwallet/crypto11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xwallet", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Cfg      string `help:"Location of HSM config file" required:"" type:"path"`
	Pin      string `help:"PIN to log in to the token, if not provided in config" env:"HSM_PIN"`
	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	prov   cryptoprov.Provider
	label  string
	serial string
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// WithProvider allows to specify a loaded provider,
// and the default token label
func (c *Cli) WithProvider(prov cryptoprov.Provider, label string) *Cli {
	c.prov = prov
	c.label = label
	return c
}

// AfterApply hook loads config
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value any) error {
	return ctl.WriteJSON(c.Writer(), value)
}

// Provider loads crypto provider from the config
func (c *Cli) Provider() (cryptoprov.Provider, error) {
	if c.prov != nil {
		return c.prov, nil
	}
	if c.Cfg == "" {
		return nil, errors.New("use --cfg flag to specify PKCS11 config file")
	}

	tc, err := cryptoprov.LoadTokenConfig(c.Cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to load config")
	}
	prov, err := cryptoprov.New(tc)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to initialize crypto provider")
	}

	c.prov = prov
	c.label = tc.TokenLabel()
	c.serial = tc.TokenSerial()
	return c.prov, nil
}

// Close shuts down the provider, if it was loaded
func (c *Cli) Close() error {
	if c.prov == nil {
		return nil
	}
	err := c.prov.Shutdown()
	c.prov = nil
	return err
}

// Slot returns the slot for the token label or serial,
// the configured token is used if both are empty.
// If PIN is provided, then the slot is logged in.
func (c *Cli) Slot(label, serial string) (cryptoprov.Provider, uint, error) {
	prov, err := c.Provider()
	if err != nil {
		return nil, 0, err
	}

	if label == "" && serial == "" {
		label = c.label
		serial = c.serial
	}

	slot, ok := findSlot(prov, label, serial)
	if !ok {
		return nil, 0, errors.Errorf("token not found: label=%q, serial=%q", label, serial)
	}

	if c.Pin != "" {
		loggedIn, err := prov.IsLoggedIn(slot)
		if err != nil {
			return nil, 0, err
		}
		if !loggedIn {
			if err = prov.Login(slot, c.Pin); err != nil {
				return nil, 0, errors.WithMessagef(err, "unable to login to slot %d", slot)
			}
			logger.KV(xlog.DEBUG, "status", "logged_in", "slot", slot)
		}
	}
	return prov, slot, nil
}

func findSlot(prov cryptoprov.Provider, label, serial string) (uint, bool) {
	if serial != "" {
		for _, ti := range prov.Slots() {
			if ti.Serial == serial {
				return ti.SlotID, true
			}
		}
	}
	if label != "" {
		if idx := prov.SlotIndex(label); idx != cryptoprov.NoSlot {
			return uint(idx), true
		}
	}
	return 0, false
}
