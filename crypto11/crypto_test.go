package crypto11_test

import (
	"regexp"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xwallet/crypto11"
	"github.com/effective-security/xwallet/crypto11/testp11"
	"github.com/effective-security/xwallet/cryptoprov"
	"github.com/effective-security/xwallet/ethaddr"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userPin = "1234"

var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func newTokens() map[uint]*testp11.Token {
	return map[uint]*testp11.Token{
		7: {
			Label:        "A",
			Serial:       "serial-a",
			Manufacturer: "SoftHSM project",
			Model:        "SoftHSM v2",
			Description:  "SoftHSM slot ID 0x7",
			Pin:          userPin,
		},
		9: {
			Label:        "B",
			Serial:       "serial-b",
			Manufacturer: "SoftHSM project",
			Model:        "SoftHSM v2",
			Pin:          userPin,
		},
	}
}

func initCrypto(t *testing.T) (*crypto11.HSMCrypto, *testp11.Ctx) {
	p11 := testp11.New(newTokens())
	c := crypto11.New(p11, crypto11.SoftHSM, "test")
	require.NoError(t, c.Initialize())
	t.Cleanup(func() {
		_ = c.Shutdown()
	})
	return c, p11
}

func TestScenario(t *testing.T) {
	c, p11 := initCrypto(t)

	idx := c.SlotIndex("A")
	require.Equal(t, 7, idx)
	slotID := uint(idx)

	require.NoError(t, c.Login(slotID, userPin))

	address, err := c.GenerateECKeyPair(slotID)
	require.NoError(t, err)
	assert.Regexp(t, addressRegex, address)
	assert.Equal(t, 2, p11.Objects(slotID))
	assert.ElementsMatch(t, []string{address}, p11.Labels(slotID, pkcs11.CKO_PRIVATE_KEY))
	assert.ElementsMatch(t, []string{address}, p11.Labels(slotID, pkcs11.CKO_PUBLIC_KEY))

	found, err := c.ContainsAddress(slotID, address)
	require.NoError(t, err)
	assert.True(t, found)

	list, err := c.Addresses(slotID)
	require.NoError(t, err)
	assert.Equal(t, []string{address}, list)

	require.NoError(t, c.DeleteECKeyPair(slotID, address))
	assert.Equal(t, 0, p11.Objects(slotID))

	list, err = c.Addresses(slotID)
	require.NoError(t, err)
	assert.Empty(t, list)

	found, err = c.ContainsAddress(slotID, address)
	require.NoError(t, err)
	assert.False(t, found)

	err = c.DeleteECKeyPair(slotID, address)
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrNotFound))
	assert.Equal(t, crypto11.ErrNotFound, crypto11.KindOf(err))

	// only the retained session stays open
	assert.Equal(t, 1, p11.OpenSessions())
}

func TestSlots(t *testing.T) {
	c, _ := initCrypto(t)

	slots := c.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, cryptoprov.TokenInfo{
		SlotID:       7,
		Label:        "A",
		Description:  "SoftHSM slot ID 0x7",
		Manufacturer: "SoftHSM project",
		Model:        "SoftHSM v2",
		Serial:       "serial-a",
	}, slots[0])
	assert.Equal(t, uint(9), slots[1].SlotID)
	assert.Equal(t, "B", slots[1].Label)

	assert.Equal(t, 9, c.SlotIndex("B"))
	assert.Equal(t, cryptoprov.NoSlot, c.SlotIndex("C"))
	assert.Equal(t, cryptoprov.NoSlot, c.SlotIndex("A "))
	assert.Equal(t, cryptoprov.NoSlot, c.SlotIndex(""))

	id, ok := c.SlotBySerial("serial-b")
	assert.True(t, ok)
	assert.Equal(t, uint(9), id)
	_, ok = c.SlotBySerial("serial-c")
	assert.False(t, ok)
}

func TestInitialize(t *testing.T) {
	t.Run("twice", func(t *testing.T) {
		c, _ := initCrypto(t)
		err := c.Initialize()
		assert.True(t, errors.Is(err, crypto11.ErrInvalidState))
	})

	t.Run("init_failed", func(t *testing.T) {
		p11 := testp11.New(newTokens())
		p11.FailNext("Initialize", pkcs11.Error(pkcs11.CKR_GENERAL_ERROR))
		c := crypto11.New(p11, crypto11.SoftHSM, "test")
		err := c.Initialize()
		require.Error(t, err)
		assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
		assert.EqualError(t, err, "failed to initialize crypto module: "+pkcs11.Error(pkcs11.CKR_GENERAL_ERROR).Error())
		assert.Equal(t, cryptoprov.NoSlot, c.SlotIndex("A"))
	})

	t.Run("enum_failed", func(t *testing.T) {
		p11 := testp11.New(newTokens())
		p11.FailNext("GetTokenInfo", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
		c := crypto11.New(p11, crypto11.SoftHSM, "test")
		err := c.Initialize()
		require.Error(t, err)
		assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
		assert.True(t, errors.Is(err, pkcs11.Error(pkcs11.CKR_DEVICE_ERROR)))
		// library is finalized, and can be initialized again
		assert.Equal(t, 1, p11.Calls("Finalize"))
		require.NoError(t, c.Initialize())
		assert.NoError(t, c.Shutdown())
	})

	t.Run("duplicate_label", func(t *testing.T) {
		tokens := newTokens()
		tokens[9].Label = "A"
		c := crypto11.New(testp11.New(tokens), crypto11.SoftHSM, "test")
		err := c.Initialize()
		require.Error(t, err)
		assert.True(t, errors.Is(err, crypto11.ErrConfiguration))
		assert.EqualError(t, err, `duplicate token label "A" on slots 7 and 9`)
	})

	t.Run("not_initialized", func(t *testing.T) {
		c := crypto11.New(testp11.New(newTokens()), crypto11.SoftHSM, "test")
		_, err := c.Addresses(7)
		assert.True(t, errors.Is(err, crypto11.ErrInvalidState))
		_, err = c.GenerateECKeyPair(7)
		assert.True(t, errors.Is(err, crypto11.ErrInvalidState))
		assert.NoError(t, c.Shutdown())
		assert.Empty(t, c.Slots())
	})
}

func TestLogin(t *testing.T) {
	c, p11 := initCrypto(t)

	t.Run("empty_pin", func(t *testing.T) {
		calls := p11.Calls("")
		err := c.Login(7, "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, crypto11.ErrConfiguration))
		assert.EqualError(t, err, "invalid pin")
		assert.Equal(t, calls, p11.Calls(""), "no device calls expected")

		err = c.Login(100, "")
		assert.True(t, errors.Is(err, crypto11.ErrConfiguration))
		assert.Equal(t, calls, p11.Calls(""))
	})

	t.Run("unknown_slot", func(t *testing.T) {
		err := c.Login(100, userPin)
		require.Error(t, err)
		assert.True(t, errors.Is(err, crypto11.ErrConfiguration))
		assert.EqualError(t, err, "invalid slot index: 100")
	})

	t.Run("wrong_pin", func(t *testing.T) {
		err := c.Login(7, "wrong")
		require.Error(t, err)
		assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
		assert.True(t, errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)))
		assert.EqualError(t, err, "failed to login to slot 7: "+pkcs11.Error(pkcs11.CKR_PIN_INCORRECT).Error())
		assert.Equal(t, 0, p11.OpenSessions())

		err = c.Logout(7)
		assert.True(t, errors.Is(err, crypto11.ErrInvalidState))
	})

	t.Run("open_failed", func(t *testing.T) {
		p11.FailNext("OpenSession", pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED))
		err := c.Login(7, userPin)
		assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
		assert.EqualError(t, err, "failed to open session on slot 7: "+pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED).Error())
	})

	t.Run("twice", func(t *testing.T) {
		require.NoError(t, c.Login(7, userPin))
		err := c.Login(7, userPin)
		assert.True(t, errors.Is(err, crypto11.ErrInvalidState))
		assert.Equal(t, 1, p11.OpenSessions())
		require.NoError(t, c.Logout(7))
		assert.Equal(t, 0, p11.OpenSessions())
	})
}

func TestLogout(t *testing.T) {
	c, p11 := initCrypto(t)

	err := c.Logout(7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrInvalidState))
	assert.EqualError(t, err, "no session open on slot 7")

	err = c.Logout(100)
	assert.True(t, errors.Is(err, crypto11.ErrConfiguration))

	require.NoError(t, c.Login(7, userPin))
	p11.FailNext("Logout", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	err = c.Logout(7)
	assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
	// session is released even if logout failed
	assert.Equal(t, 0, p11.OpenSessions())
	err = c.Logout(7)
	assert.True(t, errors.Is(err, crypto11.ErrInvalidState))
}

func TestIsLoggedIn(t *testing.T) {
	c, p11 := initCrypto(t)

	ok, err := c.IsLoggedIn(7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Login(7, userPin))
	for i := 0; i < 3; i++ {
		ok, err = c.IsLoggedIn(7)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, p11.OpenSessions())
	}

	// other slot is independent
	ok, err = c.IsLoggedIn(9)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Logout(7))
	ok, err = c.IsLoggedIn(7)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, errors.Is(c.Logout(7), crypto11.ErrInvalidState))

	p11.FailNext("GetSessionInfo", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	_, err = c.IsLoggedIn(7)
	assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
	assert.Equal(t, 0, p11.OpenSessions())

	_, err = c.IsLoggedIn(100)
	assert.True(t, errors.Is(err, crypto11.ErrConfiguration))
}

func TestGenerate(t *testing.T) {
	c, p11 := initCrypto(t)

	t.Run("not_logged_in", func(t *testing.T) {
		_, err := c.GenerateECKeyPair(7)
		require.Error(t, err)
		assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
		assert.True(t, errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)))
		assert.Equal(t, 0, p11.OpenSessions())
	})

	require.NoError(t, c.Login(7, userPin))

	t.Run("generate_failed", func(t *testing.T) {
		p11.FailNext("GenerateKeyPair", pkcs11.Error(pkcs11.CKR_DEVICE_MEMORY))
		_, err := c.GenerateECKeyPair(7)
		require.Error(t, err)
		assert.EqualError(t, err, "failed to generate key pair on slot 7: "+pkcs11.Error(pkcs11.CKR_DEVICE_MEMORY).Error())
		assert.Equal(t, 0, p11.Objects(7))
		assert.Equal(t, 1, p11.OpenSessions())
	})

	t.Run("open_failed", func(t *testing.T) {
		p11.FailNext("OpenSession", pkcs11.Error(pkcs11.CKR_SESSION_COUNT))
		_, err := c.GenerateECKeyPair(7)
		assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
		assert.Equal(t, 0, p11.Objects(7))
	})

	t.Run("close_failed", func(t *testing.T) {
		p11.FailNext("CloseSession", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
		_, err := c.GenerateECKeyPair(7)
		require.Error(t, err)
		assert.EqualError(t, err, "failed to close session on slot 7: "+pkcs11.Error(pkcs11.CKR_DEVICE_ERROR).Error())
		// the key pair was generated and labeled
		list, err := c.Addresses(7)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.NoError(t, c.DeleteECKeyPair(7, list[0]))
	})

	t.Run("unique", func(t *testing.T) {
		seen := map[string]bool{}
		for i := 0; i < 120; i++ {
			address, err := c.GenerateECKeyPair(7)
			require.NoError(t, err)
			assert.False(t, seen[address])
			seen[address] = true
		}

		// more than one find batch
		list, err := c.Addresses(7)
		require.NoError(t, err)
		assert.Len(t, list, 120)
		for _, a := range list {
			assert.True(t, seen[a], a)
		}
	})
}

func TestOrphans(t *testing.T) {
	c, p11 := initCrypto(t)
	require.NoError(t, c.Login(9, userPin))

	// labeling of the private key fails
	p11.FailNext("SetAttributeValue", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	_, err := c.GenerateECKeyPair(9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
	assert.Contains(t, err.Error(), "failed to label key pair on slot 9")

	// the pair is left on the device, unreachable by address
	assert.Equal(t, 2, p11.Objects(9))
	assert.ElementsMatch(t, []string{crypto11.PrivateKeyLabel}, p11.Labels(9, pkcs11.CKO_PRIVATE_KEY))
	assert.ElementsMatch(t, []string{crypto11.PublicKeyLabel}, p11.Labels(9, pkcs11.CKO_PUBLIC_KEY))

	list, err := c.Addresses(9)
	require.NoError(t, err)
	assert.Empty(t, list)

	recovered, err := c.ReconcileOrphans(9)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Regexp(t, addressRegex, recovered[0])

	list, err = c.Addresses(9)
	require.NoError(t, err)
	assert.Equal(t, recovered, list)

	found, err := c.ContainsAddress(9, recovered[0])
	require.NoError(t, err)
	assert.True(t, found)

	// nothing left to reconcile
	recovered, err = c.ReconcileOrphans(9)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	// public key without private key is skipped
	prv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	p11.AddObject(9, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, crypto11.PublicKeyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{1, 2, 3}),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ethaddr.ECParams),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, ethaddr.WrapPoint(prv.PubKey().SerializeUncompressed())),
	})
	// invalid point is skipped
	p11.AddObject(9, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, crypto11.PublicKeyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{4, 5, 6}),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ethaddr.ECParams),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, []byte{0x04, 0x01, 0x00}),
	})
	// other curve is skipped
	p11.AddObject(9, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, crypto11.PublicKeyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{7, 8, 9}),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, []byte{0x06, 0x08, 0x2A, 0x86, 0x48, 0xCE, 0x3D, 0x03, 0x01, 0x07}),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, []byte{0x04, 0x01, 0x00}),
	})
	recovered, err = c.ReconcileOrphans(9)
	require.NoError(t, err)
	assert.Empty(t, recovered)
	assert.Len(t, p11.Labels(9, pkcs11.CKO_PUBLIC_KEY), 4)
}

func TestAddresses_Foreign(t *testing.T) {
	c, p11 := initCrypto(t)
	require.NoError(t, c.Login(7, userPin))

	address, err := c.GenerateECKeyPair(7)
	require.NoError(t, err)

	p11.AddObject(7, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, "rsa-signing-key"),
	})
	p11.AddObject(7, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, "0x1234"),
	})

	list, err := c.Addresses(7)
	require.NoError(t, err)
	assert.Equal(t, []string{address}, list)

	p11.FailNext("GetAttributeValue", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	_, err = c.Addresses(7)
	assert.True(t, errors.Is(err, crypto11.ErrProviderFault))

	p11.FailNext("FindObjectsInit", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	_, err = c.ContainsAddress(7, address)
	assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
	assert.Equal(t, 1, p11.OpenSessions())
}

func TestDelete_Partial(t *testing.T) {
	c, p11 := initCrypto(t)
	require.NoError(t, c.Login(7, userPin))

	address, err := c.GenerateECKeyPair(7)
	require.NoError(t, err)

	p11.FailNext("DestroyObject", nil)
	p11.FailNext("DestroyObject", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	err = c.DeleteECKeyPair(7, address)
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrProviderFault))
	assert.Contains(t, err.Error(), "destroyed 1 of 2 objects")

	// dangling half of the pair
	assert.Equal(t, 1, p11.Objects(7))
	require.NoError(t, c.DeleteECKeyPair(7, address))
	assert.Equal(t, 0, p11.Objects(7))
}

func TestShutdown(t *testing.T) {
	p11 := testp11.New(newTokens())
	c := crypto11.New(p11, crypto11.SoftHSM, "test")
	require.NoError(t, c.Initialize())

	require.NoError(t, c.Login(7, userPin))
	require.NoError(t, c.Login(9, userPin))

	p11.FailNext("Logout", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	err := c.Shutdown()
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto11.ErrProviderFault))

	// both slots are logged out, and the library is finalized
	assert.Equal(t, 2, p11.Calls("Logout"))
	assert.Equal(t, 1, p11.Calls("Finalize"))
	assert.Equal(t, 0, p11.OpenSessions())

	_, err = c.Addresses(7)
	assert.True(t, errors.Is(err, crypto11.ErrInvalidState))
	assert.Equal(t, cryptoprov.NoSlot, c.SlotIndex("A"))

	// can be initialized again
	require.NoError(t, c.Initialize())
	assert.Equal(t, 7, c.SlotIndex("A"))

	p11.FailNext("Finalize", pkcs11.Error(pkcs11.CKR_GENERAL_ERROR))
	err = c.Shutdown()
	assert.EqualError(t, err, "failed to shutdown crypto module: "+pkcs11.Error(pkcs11.CKR_GENERAL_ERROR).Error())
}

func TestConcurrentSlots(t *testing.T) {
	c, p11 := initCrypto(t)
	require.NoError(t, c.Login(7, userPin))
	require.NoError(t, c.Login(9, userPin))

	var wg sync.WaitGroup
	for _, slotID := range []uint{7, 9} {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(slotID uint) {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					address, err := c.GenerateECKeyPair(slotID)
					if !assert.NoError(t, err) {
						return
					}
					found, err := c.ContainsAddress(slotID, address)
					assert.NoError(t, err)
					assert.True(t, found)
					ok, err := c.IsLoggedIn(slotID)
					assert.NoError(t, err)
					assert.True(t, ok)
				}
			}(slotID)
		}
	}
	wg.Wait()

	for _, slotID := range []uint{7, 9} {
		list, err := c.Addresses(slotID)
		require.NoError(t, err)
		assert.Len(t, list, 20)
		assert.Equal(t, 40, p11.Objects(slotID))
	}
	assert.Equal(t, 2, p11.OpenSessions())
}

func TestKindOf(t *testing.T) {
	assert.Nil(t, crypto11.KindOf(nil))
	assert.Nil(t, crypto11.KindOf(errors.New("other")))

	c, _ := initCrypto(t)
	assert.Equal(t, crypto11.ErrConfiguration, crypto11.KindOf(c.Login(7, "")))
	assert.Equal(t, crypto11.ErrInvalidState, crypto11.KindOf(c.Logout(7)))
	assert.Equal(t, crypto11.ErrProviderFault, crypto11.KindOf(c.Login(7, "bad")))
}
