package cryptoprov

// NoSlot is returned by SlotIndex when slot with the label does not exist
const NoSlot = -1

// TokenInfo describes a slot with a token present
type TokenInfo struct {
	SlotID       uint   `json:"slot_id"                yaml:"slot_id"`
	Label        string `json:"label"                  yaml:"label"`
	Description  string `json:"description,omitempty"  yaml:"description,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"        yaml:"model,omitempty"`
	Serial       string `json:"serial,omitempty"       yaml:"serial,omitempty"`
}

// Provider manages key pairs identified by their blockchain address
type Provider interface {
	// Manufacturer returns manufacturer of the provider
	Manufacturer() string
	// Model returns model of the provider
	Model() string

	// Initialize discovers available slots
	Initialize() error
	// Shutdown logs out of all slots and releases the provider
	Shutdown() error

	// Slots returns discovered slots
	Slots() []TokenInfo
	// SlotIndex returns slot ID for the label, or NoSlot
	SlotIndex(label string) int

	// Login authenticates a session on the slot, and retains it
	Login(slotID uint, pin string) error
	// Logout closes the retained session on the slot
	Logout(slotID uint) error
	// IsLoggedIn returns true if a user is logged in to the slot
	IsLoggedIn(slotID uint) (bool, error)

	// GenerateECKeyPair generates a new key pair, and returns its address
	GenerateECKeyPair(slotID uint) (string, error)
	// DeleteECKeyPair destroys key objects labeled with the address
	DeleteECKeyPair(slotID uint, address string) error
	// Addresses returns addresses of key pairs on the slot
	Addresses(slotID uint) ([]string, error)
	// ContainsAddress returns true if the slot has a key pair with the address
	ContainsAddress(slotID uint, address string) (bool, error)
	// ReconcileOrphans labels key pairs that were left without address,
	// and returns recovered addresses
	ReconcileOrphans(slotID uint) ([]string, error)
}
