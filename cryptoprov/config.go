package cryptoprov

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/fileutil"
	"github.com/effective-security/xlog"
	"gopkg.in/yaml.v3"
)

// TokenConfig describes the PKCS#11 library and the token with keys.
// The token is looked up by serial first, then by label.
type TokenConfig interface {
	// Manufacturer selects the registered provider loader
	Manufacturer() string
	Model() string
	// Path to PKCS#11 library
	Path() string
	TokenSerial() string
	TokenLabel() string
	// Pin to log in to the token, may be empty
	Pin() string
}

type tokenConfig struct {
	ManufacturerName string `json:"Manufacturer" yaml:"manufacturer"`
	ModelName        string `json:"Model"        yaml:"model"`
	LibraryPath      string `json:"Path"         yaml:"path"`
	Serial           string `json:"TokenSerial"  yaml:"token_serial"`
	Label            string `json:"TokenLabel"   yaml:"token_label"`
	// PIN may be in the form of file:<path>, relative to the config folder
	PIN string `json:"Pin" yaml:"pin"`
}

func (c *tokenConfig) Manufacturer() string { return c.ManufacturerName }
func (c *tokenConfig) Model() string        { return c.ModelName }
func (c *tokenConfig) Path() string         { return c.LibraryPath }
func (c *tokenConfig) TokenSerial() string  { return c.Serial }
func (c *tokenConfig) TokenLabel() string   { return c.Label }
func (c *tokenConfig) Pin() string          { return c.PIN }

// LoadTokenConfig loads PKCS#11 token configuration from YAML,
// or JSON if the file has .json extension.
//
// The library path is required. If PIN is provided, then the token
// must be identified by label or serial, so the provider can log in.
func LoadTokenConfig(filename string) (TokenConfig, error) {
	cfg, err := decodeTokenConfig(filename)
	if err != nil {
		return nil, err
	}

	if pinfile, ok := strings.CutPrefix(cfg.PIN, "file:"); ok {
		cfg.PIN, err = loadPin(pinfile, filepath.Dir(filename))
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
		}
	}

	if err = cfg.validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration: %s", filename)
	}
	return cfg, nil
}

func decodeTokenConfig(filename string) (*tokenConfig, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	cfg := new(tokenConfig)
	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(f).Decode(cfg)
	} else {
		err = yaml.NewDecoder(f).Decode(cfg)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}
	return cfg, nil
}

func (c *tokenConfig) validate() error {
	if c.ManufacturerName == "" {
		return errors.New("missing manufacturer")
	}
	if c.LibraryPath == "" {
		return errors.New("missing path to PKCS#11 library")
	}
	if c.PIN != "" && c.Label == "" && c.Serial == "" {
		return errors.New("pin requires token_label or token_serial")
	}
	return nil
}

// loadPin reads PIN from the file, relative path is tried
// in the current folder, then in cfgDir
func loadPin(pinfile, cfgDir string) (string, error) {
	if pinfile == "" {
		return "", errors.New("missing PIN file name")
	}

	candidates := []string{pinfile}
	if !filepath.IsAbs(pinfile) {
		candidates = append(candidates, filepath.Join(cfgDir, pinfile))
	}

	for _, file := range candidates {
		if err := fileutil.FileExists(file); err != nil {
			logger.KV(xlog.DEBUG, "reason", "pin_not_found", "file", file)
			continue
		}
		pb, err := os.ReadFile(file)
		if err != nil {
			return "", errors.WithStack(err)
		}
		pin := strings.TrimSpace(string(pb))
		if pin == "" {
			return "", errors.Errorf("empty PIN in file: %s", file)
		}
		return pin, nil
	}
	return "", errors.Errorf("PIN file not found: %s", pinfile)
}
