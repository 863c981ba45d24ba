package crypto11

import (
	"strconv"
	"sync"
	"time"

	"github.com/effective-security/xlog"
	"github.com/effective-security/xwallet/cryptoprov"
	"github.com/effective-security/xwallet/metricskey"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xwallet", "crypto11")

// measureOperation records duration of slot operation, override for unittest
var measureOperation = metricskey.PerfHSMOperation.MeasureSince

// HSMCrypto manages key pairs on PKCS#11 slots.
// Slot table and retained sessions live between Initialize and Shutdown.
type HSMCrypto struct {
	ctx          Ctx
	manufacturer string
	model        string

	// lock guards lifecycle, slot operations hold it for read
	lock        sync.RWMutex
	initialized bool
	slots       *slotRegistry
	slotLocks   map[uint]*sync.Mutex
	sessions    *sessionManager
	keys        *keyCustody
}

// Ensure compiles
var _ cryptoprov.Provider = (*HSMCrypto)(nil)

// New returns HSMCrypto for loaded PKCS#11 library.
// Initialize must be called before use.
func New(ctx Ctx, manufacturer, model string) *HSMCrypto {
	sessions := newSessionManager(ctx)
	return &HSMCrypto{
		ctx:          ctx,
		manufacturer: manufacturer,
		model:        model,
		slots:        &slotRegistry{},
		sessions:     sessions,
		keys: &keyCustody{
			ctx:      ctx,
			sessions: sessions,
			now:      time.Now,
		},
	}
}

// Manufacturer returns manufacturer for the provider
func (c *HSMCrypto) Manufacturer() string {
	return c.manufacturer
}

// Model returns model for the provider
func (c *HSMCrypto) Model() string {
	return c.model
}

// Initialize initializes the library and discovers slots with a token
func (c *HSMCrypto) Initialize() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.initialized {
		return invalidState("already initialized")
	}

	if err := c.ctx.Initialize(); err != nil {
		return providerFault(err, "failed to initialize crypto module")
	}

	slots, err := discoverSlots(c.ctx)
	if err != nil {
		if ferr := c.ctx.Finalize(); ferr != nil {
			logger.KV(xlog.WARNING, "reason", "finalize", "err", ferr.Error())
		}
		return err
	}

	c.slots = slots
	c.slotLocks = make(map[uint]*sync.Mutex, len(slots.slots))
	for id := range slots.slots {
		c.slotLocks[id] = new(sync.Mutex)
	}
	c.initialized = true

	logger.KV(xlog.INFO, "status", "initialized", "slots", len(slots.slots))
	return nil
}

// Shutdown logs out of all slots and finalizes the library.
// All slots are logged out even if some fail, the last error is returned.
func (c *HSMCrypto) Shutdown() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.initialized {
		return nil
	}

	lastErr := c.sessions.logoutAll()
	if err := c.ctx.Finalize(); err != nil {
		logger.KV(xlog.ERROR, "reason", "finalize", "err", err.Error())
		lastErr = providerFault(err, "failed to shutdown crypto module")
	}

	c.initialized = false
	c.slots = &slotRegistry{}
	c.slotLocks = nil

	logger.KV(xlog.INFO, "status", "shutdown")
	return lastErr
}

// Slots returns discovered slots, sorted by ID
func (c *HSMCrypto) Slots() []cryptoprov.TokenInfo {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.slots.list()
}

// SlotIndex returns slot ID for the token label, or NoSlot
func (c *HSMCrypto) SlotIndex(label string) int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.slots.index(label)
}

// SlotBySerial returns slot ID for the token serial
func (c *HSMCrypto) SlotBySerial(serial string) (uint, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.slots.bySerial(serial)
}

// Login logs a user into a slot, the session is retained until Logout
func (c *HSMCrypto) Login(slotID uint, pin string) error {
	if pin == "" {
		return configurationError("invalid pin")
	}
	return c.withSlot(slotID, "login", func() error {
		return c.sessions.login(slotID, pin)
	})
}

// Logout logs a user out of a slot
func (c *HSMCrypto) Logout(slotID uint) error {
	return c.withSlot(slotID, "logout", func() error {
		return c.sessions.logout(slotID)
	})
}

// IsLoggedIn returns true if a user is currently logged into the slot
func (c *HSMCrypto) IsLoggedIn(slotID uint) (bool, error) {
	var res bool
	err := c.withSlot(slotID, "is_logged_in", func() error {
		var err error
		res, err = c.sessions.isLoggedIn(slotID)
		return err
	})
	return res, err
}

// GenerateECKeyPair generates a new key pair on the slot,
// and returns its address
func (c *HSMCrypto) GenerateECKeyPair(slotID uint) (string, error) {
	var res string
	err := c.withSlot(slotID, "genkey_ec", func() error {
		var err error
		res, err = c.keys.generateECKeyPair(slotID)
		return err
	})
	return res, err
}

// DeleteECKeyPair deletes a key pair from the slot
func (c *HSMCrypto) DeleteECKeyPair(slotID uint, address string) error {
	return c.withSlot(slotID, "delkey_ec", func() error {
		return c.keys.deleteECKeyPair(slotID, address)
	})
}

// Addresses returns all the addresses on the slot
func (c *HSMCrypto) Addresses(slotID uint) ([]string, error) {
	var res []string
	err := c.withSlot(slotID, "addresses", func() error {
		var err error
		res, err = c.keys.addresses(slotID)
		return err
	})
	return res, err
}

// ContainsAddress returns true if the slot contains the given address
func (c *HSMCrypto) ContainsAddress(slotID uint, address string) (bool, error) {
	var res bool
	err := c.withSlot(slotID, "contains", func() error {
		var err error
		res, err = c.keys.containsAddress(slotID, address)
		return err
	})
	return res, err
}

// ReconcileOrphans labels key pairs left without address label,
// and returns the recovered addresses
func (c *HSMCrypto) ReconcileOrphans(slotID uint) ([]string, error) {
	var res []string
	err := c.withSlot(slotID, "reconcile", func() error {
		var err error
		res, err = c.keys.reconcileOrphans(slotID)
		return err
	})
	return res, err
}

// withSlot runs fn holding the lock of the slot
func (c *HSMCrypto) withSlot(slotID uint, action string, fn func() error) error {
	started := time.Now()

	c.lock.RLock()
	defer c.lock.RUnlock()

	if !c.initialized {
		return invalidState("crypto module is not initialized")
	}
	l, ok := c.slotLocks[slotID]
	if !ok {
		return configurationError("invalid slot index: %d", slotID)
	}
	// only discovered slots are used as tag values
	defer measureOperation(started, strconv.FormatUint(uint64(slotID), 10), action)

	l.Lock()
	defer l.Unlock()

	return fn()
}
