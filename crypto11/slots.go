package crypto11

import (
	"sort"
	"strings"

	"github.com/effective-security/xlog"
	"github.com/effective-security/xwallet/cryptoprov"
	"github.com/jinzhu/copier"
	"github.com/miekg/pkcs11"
)

var tokenInfoMapping = copier.Option{
	FieldNameMapping: []copier.FieldNameMapping{
		{
			SrcType: pkcs11.TokenInfo{},
			DstType: cryptoprov.TokenInfo{},
			Mapping: map[string]string{
				"ManufacturerID": "Manufacturer",
				"SerialNumber":   "Serial",
			},
		},
	},
}

// slotRegistry holds slots discovered on initialization
type slotRegistry struct {
	slots  map[uint]*cryptoprov.TokenInfo
	labels map[string]uint
}

// discoverSlots returns slots with a token present
func discoverSlots(ctx Ctx) (*slotRegistry, error) {
	list, err := ctx.GetSlotList(true)
	if err != nil {
		return nil, providerFault(err, "failed to list slots")
	}

	logger.Tracef("slots=%d", len(list))
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })

	r := &slotRegistry{
		slots:  make(map[uint]*cryptoprov.TokenInfo, len(list)),
		labels: make(map[string]uint, len(list)),
	}

	for _, slotID := range list {
		si, err := ctx.GetSlotInfo(slotID)
		if err != nil {
			return nil, providerFault(err, "failed to get slot info: %d", slotID)
		}
		ti, err := ctx.GetTokenInfo(slotID)
		if err != nil {
			return nil, providerFault(err, "failed to get token info: %d", slotID)
		}

		info := &cryptoprov.TokenInfo{}
		if err = copier.CopyWithOption(info, &ti, tokenInfoMapping); err != nil {
			return nil, providerFault(err, "failed to copy token info: %d", slotID)
		}
		info.SlotID = slotID
		info.Label = strings.TrimSpace(info.Label)
		info.Manufacturer = strings.TrimSpace(info.Manufacturer)
		info.Model = strings.TrimSpace(info.Model)
		info.Serial = strings.TrimSpace(info.Serial)
		info.Description = strings.TrimSpace(si.SlotDescription)

		if other, ok := r.labels[info.Label]; ok {
			return nil, configurationError("duplicate token label %q on slots %d and %d", info.Label, other, slotID)
		}

		r.slots[slotID] = info
		r.labels[info.Label] = slotID

		logger.KV(xlog.DEBUG,
			"slot", slotID,
			"label", info.Label,
			"manufacturer", info.Manufacturer,
			"serial", info.Serial)
	}
	return r, nil
}

// index returns slot ID for the label, or NoSlot
func (r *slotRegistry) index(label string) int {
	if id, ok := r.labels[label]; ok {
		return int(id)
	}
	return cryptoprov.NoSlot
}

// bySerial returns slot ID for the token serial
func (r *slotRegistry) bySerial(serial string) (uint, bool) {
	for id, s := range r.slots {
		if s.Serial == serial {
			return id, true
		}
	}
	return 0, false
}

// ids returns sorted slot IDs
func (r *slotRegistry) ids() []uint {
	ids := make([]uint, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// list returns copy of slots, sorted by ID
func (r *slotRegistry) list() []cryptoprov.TokenInfo {
	res := make([]cryptoprov.TokenInfo, 0, len(r.slots))
	for _, id := range r.ids() {
		res = append(res, *r.slots[id])
	}
	return res
}
