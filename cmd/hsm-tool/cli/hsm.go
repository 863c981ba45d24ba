package cli

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xwallet/ethaddr"
)

// HsmCmd is the parent for HSM command
type HsmCmd struct {
	Slots     HsmSlotsCmd     `cmd:"" help:"list slots with a token"`
	Status    HsmStatusCmd    `cmd:"" help:"print login status of the token"`
	List      HsmListCmd      `cmd:"" help:"list addresses"`
	Generate  HsmGenKeyCmd    `cmd:"" help:"generate key pair"`
	Contains  HsmContainsCmd  `cmd:"" help:"check if the address is on the token"`
	Remove    HsmRmKeyCmd     `cmd:"" help:"delete key pair"`
	Reconcile HsmReconcileCmd `cmd:"" help:"label key pairs left without address"`
}

// TokenFlags specify the slot token,
// the token from config is used by default
type TokenFlags struct {
	Token  string `help:"specifies slot token (optional)"`
	Serial string `help:"specifies slot serial (optional)"`
}

// HsmSlotsCmd prints slots
type HsmSlotsCmd struct {
	JSON bool `help:"print output in JSON format"`
}

// Run the command
func (a *HsmSlotsCmd) Run(ctx *Cli) error {
	prov, err := ctx.Provider()
	if err != nil {
		return err
	}

	slots := prov.Slots()
	if a.JSON {
		return ctx.WriteJSON(slots)
	}

	out := ctx.Writer()
	printIfNotEmpty := func(label, val string) {
		if val != "" {
			fmt.Fprintf(out, "  %s:  %s\n", label, val)
		}
	}

	for _, token := range slots {
		fmt.Fprintf(out, "Slot: %d\n", token.SlotID)
		printIfNotEmpty("Manufacturer", token.Manufacturer)
		printIfNotEmpty("Model", token.Model)
		printIfNotEmpty("Description", token.Description)
		printIfNotEmpty("Token serial", token.Serial)
		printIfNotEmpty("Token label", token.Label)
	}
	return nil
}

// HsmStatusCmd prints login status
type HsmStatusCmd struct {
	TokenFlags
}

// Run the command
func (a *HsmStatusCmd) Run(ctx *Cli) error {
	prov, slot, err := ctx.Slot(a.Token, a.Serial)
	if err != nil {
		return err
	}

	loggedIn, err := prov.IsLoggedIn(slot)
	if err != nil {
		return errors.WithMessagef(err, "failed to get status of slot %d", slot)
	}

	fmt.Fprintf(ctx.Writer(), "Slot: %d\n  Logged in:  %s\n", slot, values.Select(loggedIn, "yes", "no"))
	return nil
}

// HsmListCmd prints addresses
type HsmListCmd struct {
	TokenFlags
	JSON bool `help:"print output in JSON format"`
}

// Run the command
func (a *HsmListCmd) Run(ctx *Cli) error {
	prov, slot, err := ctx.Slot(a.Token, a.Serial)
	if err != nil {
		return err
	}

	list, err := prov.Addresses(slot)
	if err != nil {
		return errors.WithMessagef(err, "failed to list addresses on slot %d", slot)
	}

	if a.JSON {
		return ctx.WriteJSON(map[string]any{
			"slot":      slot,
			"addresses": list,
		})
	}

	out := ctx.Writer()
	if len(list) == 0 {
		fmt.Fprintf(out, "no addresses found on slot %d\n", slot)
		return nil
	}
	for _, address := range list {
		fmt.Fprintln(out, address)
	}
	return nil
}

// HsmGenKeyCmd generates a key pair
type HsmGenKeyCmd struct {
	TokenFlags
}

// Run the command
func (a *HsmGenKeyCmd) Run(ctx *Cli) error {
	prov, slot, err := ctx.Slot(a.Token, a.Serial)
	if err != nil {
		return err
	}

	address, err := prov.GenerateECKeyPair(slot)
	if err != nil {
		return errors.WithMessagef(err, "failed to generate key on slot %d", slot)
	}

	fmt.Fprintln(ctx.Writer(), address)
	return nil
}

// HsmContainsCmd checks the address
type HsmContainsCmd struct {
	TokenFlags
	Address string `kong:"arg" required:"" help:"address to look up"`
}

// Run the command
func (a *HsmContainsCmd) Run(ctx *Cli) error {
	if !ethaddr.IsAddress(a.Address) {
		return errors.Errorf("invalid address: %q", a.Address)
	}

	prov, slot, err := ctx.Slot(a.Token, a.Serial)
	if err != nil {
		return err
	}

	found, err := prov.ContainsAddress(slot, a.Address)
	if err != nil {
		return errors.WithMessagef(err, "failed to find address on slot %d", slot)
	}

	fmt.Fprintf(ctx.Writer(), "%s: %s\n", a.Address, values.Select(found, "found", "not found"))
	return nil
}

// HsmRmKeyCmd deletes a key pair
type HsmRmKeyCmd struct {
	TokenFlags
	Address string `kong:"arg" required:"" help:"address of the key pair"`
	Force   *bool  `help:"confirm the deletion"`
}

// Run the command
func (a *HsmRmKeyCmd) Run(ctx *Cli) error {
	if !ethaddr.IsAddress(a.Address) {
		return errors.Errorf("invalid address: %q", a.Address)
	}

	prov, slot, err := ctx.Slot(a.Token, a.Serial)
	if err != nil {
		return err
	}

	out := ctx.Writer()
	if a.Force == nil || !*a.Force {
		fmt.Fprintf(out, "specify --force to destroy key pair %s on slot %d\n", a.Address, slot)
		return nil
	}

	if err = prov.DeleteECKeyPair(slot, a.Address); err != nil {
		return errors.WithMessagef(err, "failed to delete key on slot %d", slot)
	}

	fmt.Fprintf(out, "destroyed key pair: %s\n", a.Address)
	return nil
}

// HsmReconcileCmd labels orphaned key pairs
type HsmReconcileCmd struct {
	TokenFlags
}

// Run the command
func (a *HsmReconcileCmd) Run(ctx *Cli) error {
	prov, slot, err := ctx.Slot(a.Token, a.Serial)
	if err != nil {
		return err
	}

	list, err := prov.ReconcileOrphans(slot)
	if err != nil {
		return errors.WithMessagef(err, "failed to reconcile slot %d", slot)
	}

	out := ctx.Writer()
	fmt.Fprintf(out, "recovered: %d\n", len(list))
	for _, address := range list {
		fmt.Fprintln(out, address)
	}
	return nil
}
