package crypto11

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/effective-security/xlog"
	"github.com/effective-security/xwallet/ethaddr"
	"github.com/miekg/pkcs11"
)

const (
	// PrivateKeyLabel is set on private key until the address is derived
	PrivateKeyLabel = "EC-private-key"
	// PublicKeyLabel is set on public key until the address is derived
	PublicKeyLabel = "EC-public-key"

	// findBatchSize is max number of handles requested per FindObjects call
	findBatchSize = 100
	// maxLabelMatches limits objects destroyed by label
	maxLabelMatches = 1000
)

// keyCustody manages EC key pairs on slots
type keyCustody struct {
	ctx      Ctx
	sessions *sessionManager
	// now is overridden in tests
	now func() time.Time
}

// generateECKeyPair generates secp256k1 key pair on the slot,
// and labels both keys with the derived address
func (k *keyCustody) generateECKeyPair(slotID uint) (string, error) {
	id, err := ethaddr.NewCreationID(k.now())
	if err != nil {
		return "", providerFault(err, "failed to create key ID")
	}

	publicKeyTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, false),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ethaddr.ECParams),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, PublicKeyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	privateKeyTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, PrivateKeyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)}

	var address string
	err = k.sessions.withSession(slotID, func(sh pkcs11.SessionHandle) error {
		pub, priv, err := k.ctx.GenerateKeyPair(sh, mech, publicKeyTemplate, privateKeyTemplate)
		if err != nil {
			return providerFault(err, "failed to generate key pair on slot %d", slotID)
		}

		address, err = k.addressOf(sh, pub)
		if err != nil {
			logger.KV(xlog.ERROR, "reason", "orphan", "slot", slotID, "id", hex.EncodeToString(id), "err", err.Error())
			return err
		}

		for _, h := range []pkcs11.ObjectHandle{priv, pub} {
			if err = k.setLabel(sh, h, address); err != nil {
				logger.KV(xlog.ERROR, "reason", "orphan", "slot", slotID, "id", hex.EncodeToString(id), "err", err.Error())
				return providerFault(err, "failed to label key pair on slot %d", slotID)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.KV(xlog.NOTICE, "status", "generated", "slot", slotID, "address", address)
	return address, nil
}

// deleteECKeyPair destroys all objects labeled with the address
func (k *keyCustody) deleteECKeyPair(slotID uint, address string) error {
	return k.sessions.withSession(slotID, func(sh pkcs11.SessionHandle) error {
		template := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, address),
		}
		handles, err := k.findObjects(sh, template, maxLabelMatches)
		if err != nil {
			return providerFault(err, "failed to find key pair %s on slot %d", address, slotID)
		}
		if len(handles) == 0 {
			return notFound("key pair %s not found on slot %d", address, slotID)
		}

		for i, h := range handles {
			if err = k.ctx.DestroyObject(sh, h); err != nil {
				return providerFault(err, "failed to delete key pair %s on slot %d, destroyed %d of %d objects",
					address, slotID, i, len(handles))
			}
		}

		logger.KV(xlog.NOTICE, "status", "deleted", "slot", slotID, "address", address, "objects", len(handles))
		return nil
	})
}

// addresses returns labels of private keys that have the address shape
func (k *keyCustody) addresses(slotID uint) ([]string, error) {
	var res []string
	err := k.sessions.withSession(slotID, func(sh pkcs11.SessionHandle) error {
		template := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		}
		handles, err := k.findObjects(sh, template, 0)
		if err != nil {
			return providerFault(err, "failed to get list of addresses on slot %d", slotID)
		}

		res = make([]string, 0, len(handles))
		for _, h := range handles {
			label, err := k.getLabel(sh, h)
			if err != nil {
				return providerFault(err, "failed to get list of addresses on slot %d", slotID)
			}
			if ethaddr.IsAddress(label) {
				logger.Tracef("slot=%d, address=%s", slotID, label)
				res = append(res, label)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// containsAddress returns true if a public key is labeled with the address
func (k *keyCustody) containsAddress(slotID uint, address string) (bool, error) {
	var found bool
	err := k.sessions.withSession(slotID, func(sh pkcs11.SessionHandle) error {
		template := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, address),
		}
		handles, err := k.findObjects(sh, template, 1)
		if err != nil {
			return providerFault(err, "failed to determine if slot %d contains address", slotID)
		}
		found = len(handles) > 0
		return nil
	})
	return found, err
}

// reconcileOrphans labels key pairs that still have the placeholder labels
func (k *keyCustody) reconcileOrphans(slotID uint) ([]string, error) {
	var recovered []string
	err := k.sessions.withSession(slotID, func(sh pkcs11.SessionHandle) error {
		template := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, PublicKeyLabel),
		}
		pubs, err := k.findObjects(sh, template, 0)
		if err != nil {
			return providerFault(err, "failed to find orphans on slot %d", slotID)
		}

		for _, pub := range pubs {
			attrs, err := k.ctx.GetAttributeValue(sh, pub, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
				pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
				pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
			})
			if err != nil {
				return providerFault(err, "failed to read orphan public key on slot %d", slotID)
			}
			id, params, point := attrs[0].Value, attrs[1].Value, attrs[2].Value
			if !bytes.Equal(params, ethaddr.ECParams) {
				continue
			}

			address, err := ethaddr.AddressFromECPoint(point)
			if err != nil {
				logger.KV(xlog.WARNING, "reason", "decode_point", "slot", slotID, "id", hex.EncodeToString(id), "err", err.Error())
				continue
			}

			privs, err := k.findObjects(sh, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
				pkcs11.NewAttribute(pkcs11.CKA_ID, id),
			}, 0)
			if err != nil {
				return providerFault(err, "failed to find orphan private key on slot %d", slotID)
			}
			if len(privs) == 0 {
				logger.KV(xlog.WARNING, "reason", "no_private_key", "slot", slotID, "id", hex.EncodeToString(id))
				continue
			}

			for _, h := range append(privs, pub) {
				if err = k.setLabel(sh, h, address); err != nil {
					return providerFault(err, "failed to label orphan %s on slot %d", address, slotID)
				}
			}

			logger.KV(xlog.NOTICE, "status", "reconciled", "slot", slotID, "address", address)
			recovered = append(recovered, address)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// addressOf returns address derived from CKA_EC_POINT of the public key
func (k *keyCustody) addressOf(sh pkcs11.SessionHandle, pub pkcs11.ObjectHandle) (string, error) {
	attrs, err := k.ctx.GetAttributeValue(sh, pub, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return "", providerFault(err, "failed to get EC point")
	}
	address, err := ethaddr.AddressFromECPoint(attrs[0].Value)
	if err != nil {
		return "", providerFault(err, "failed to derive address")
	}
	return address, nil
}

func (k *keyCustody) getLabel(sh pkcs11.SessionHandle, h pkcs11.ObjectHandle) (string, error) {
	attrs, err := k.ctx.GetAttributeValue(sh, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
	})
	if err != nil {
		return "", err
	}
	return string(attrs[0].Value), nil
}

func (k *keyCustody) setLabel(sh pkcs11.SessionHandle, h pkcs11.ObjectHandle, label string) error {
	return k.ctx.SetAttributeValue(sh, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	})
}

// findObjects returns handles matching the template, in batches.
// If max is 0, all matches are returned.
func (k *keyCustody) findObjects(sh pkcs11.SessionHandle, template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := k.ctx.FindObjectsInit(sh, template); err != nil {
		return nil, err
	}

	var res []pkcs11.ObjectHandle
	var err error
	for max == 0 || len(res) < max {
		batch := findBatchSize
		if max > 0 && max-len(res) < batch {
			batch = max - len(res)
		}

		var handles []pkcs11.ObjectHandle
		handles, _, err = k.ctx.FindObjects(sh, batch)
		if err != nil || len(handles) == 0 {
			break
		}
		res = append(res, handles...)
	}

	if ferr := k.ctx.FindObjectsFinal(sh); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
