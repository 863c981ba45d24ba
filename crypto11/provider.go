package crypto11

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xwallet/cryptoprov"
)

// Manufacturers registered with the PKCS#11 loader
const (
	ProviderName = "PKCS11"
	SoftHSM      = "SoftHSM"
)

func init() {
	_ = cryptoprov.Register(ProviderName, LoadProvider)
	_ = cryptoprov.Register(SoftHSM, LoadProvider)
}

// LoadProvider loads PKCS#11 library, initializes it, and logs in to
// the configured token, if PIN is provided
func LoadProvider(cfg cryptoprov.TokenConfig) (cryptoprov.Provider, error) {
	ctx, err := CtxFactory(cfg.Path())
	if err != nil {
		return nil, err
	}

	p := New(ctx, cfg.Manufacturer(), cfg.Model())
	if err = p.Initialize(); err != nil {
		return nil, err
	}

	if cfg.Pin() == "" || (cfg.TokenLabel() == "" && cfg.TokenSerial() == "") {
		return p, nil
	}

	slotID, ok := p.configuredSlot(cfg)
	if !ok {
		_ = p.Shutdown()
		return nil, errors.Mark(
			errors.Errorf("token not found: label=%q, serial=%q", cfg.TokenLabel(), cfg.TokenSerial()),
			ErrConfiguration)
	}

	if err = p.Login(slotID, cfg.Pin()); err != nil {
		_ = p.Shutdown()
		return nil, err
	}

	logger.KV(xlog.INFO, "token", cfg.TokenLabel(), "serial", cfg.TokenSerial(), "slot", slotID)
	return p, nil
}

// configuredSlot returns slot for configured serial or label, the first match wins
func (c *HSMCrypto) configuredSlot(cfg cryptoprov.TokenConfig) (uint, bool) {
	if serial := cfg.TokenSerial(); serial != "" {
		if id, ok := c.SlotBySerial(serial); ok {
			return id, true
		}
	}
	if label := cfg.TokenLabel(); label != "" {
		if id := c.SlotIndex(label); id != cryptoprov.NoSlot {
			return uint(id), true
		}
	}
	return 0, false
}
