package crypto11

import (
	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Ctx is the subset of *pkcs11.Ctx used for key custody
type Ctx interface {
	Initialize(opts ...pkcs11.InitializeOption) error
	Finalize() error

	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)

	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	GetSessionInfo(sh pkcs11.SessionHandle) (pkcs11.SessionInfo, error)
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error

	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error

	GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error)
	DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) error
}

// Ensure compiles
var _ Ctx = (*pkcs11.Ctx)(nil)

// CtxFactory loads PKCS#11 library, override for unittest
var CtxFactory = func(path string) (Ctx, error) {
	if path == "" {
		return nil, configurationError("PKCS#11 library path is not specified")
	}
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, errors.Mark(errors.Errorf("unable to load PKCS#11 library: %s", path), ErrProviderFault)
	}
	return ctx, nil
}
