package crypto11

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

const rwSessionFlags = pkcs11.CKF_SERIAL_SESSION | pkcs11.CKF_RW_SESSION

// sessionManager keeps logged-in sessions, one per slot
type sessionManager struct {
	ctx Ctx

	lock     sync.Mutex
	retained map[uint]pkcs11.SessionHandle
}

func newSessionManager(ctx Ctx) *sessionManager {
	return &sessionManager{
		ctx:      ctx,
		retained: make(map[uint]pkcs11.SessionHandle),
	}
}

func (m *sessionManager) retainedSession(slotID uint) (pkcs11.SessionHandle, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	sh, ok := m.retained[slotID]
	return sh, ok
}

// retainedSlots returns slots with a retained session
func (m *sessionManager) retainedSlots() []uint {
	m.lock.Lock()
	defer m.lock.Unlock()
	list := make([]uint, 0, len(m.retained))
	for id := range m.retained {
		list = append(list, id)
	}
	return list
}

// login opens a session on the slot, logs the user in,
// and retains the session
func (m *sessionManager) login(slotID uint, pin string) error {
	if _, ok := m.retainedSession(slotID); ok {
		return invalidState("already logged in to slot %d", slotID)
	}

	sh, err := m.ctx.OpenSession(slotID, rwSessionFlags)
	if err != nil {
		return providerFault(err, "failed to open session on slot %d", slotID)
	}

	err = m.ctx.Login(sh, pkcs11.CKU_USER, pin)
	if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		if cerr := m.ctx.CloseSession(sh); cerr != nil {
			logger.KV(xlog.WARNING, "reason", "close_session", "slot", slotID, "err", cerr.Error())
		}
		return providerFault(err, "failed to login to slot %d", slotID)
	}

	m.lock.Lock()
	m.retained[slotID] = sh
	m.lock.Unlock()

	logger.KV(xlog.INFO, "status", "logged_in", "slot", slotID)
	return nil
}

// logout logs out and closes the retained session on the slot.
// The session is released even if logout fails.
func (m *sessionManager) logout(slotID uint) error {
	m.lock.Lock()
	sh, ok := m.retained[slotID]
	delete(m.retained, slotID)
	m.lock.Unlock()

	if !ok {
		return invalidState("no session open on slot %d", slotID)
	}

	lerr := m.ctx.Logout(sh)
	cerr := m.ctx.CloseSession(sh)
	if lerr != nil {
		return providerFault(lerr, "failed to logout of slot %d", slotID)
	}
	if cerr != nil {
		return providerFault(cerr, "failed to close session on slot %d", slotID)
	}

	logger.KV(xlog.INFO, "status", "logged_out", "slot", slotID)
	return nil
}

// logoutAll logs out of every slot with a retained session,
// and returns the last error
func (m *sessionManager) logoutAll() error {
	var lastErr error
	for _, slotID := range m.retainedSlots() {
		if err := m.logout(slotID); err != nil {
			logger.KV(xlog.ERROR, "reason", "logout", "slot", slotID, "err", err.Error())
			lastErr = err
		}
	}
	return lastErr
}

// isLoggedIn checks the user state on a new session,
// the retained session is not used
func (m *sessionManager) isLoggedIn(slotID uint) (bool, error) {
	var loggedIn bool
	err := m.withSession(slotID, func(sh pkcs11.SessionHandle) error {
		si, err := m.ctx.GetSessionInfo(sh)
		if err != nil {
			return providerFault(err, "failed to determine user status on slot %d", slotID)
		}
		loggedIn = si.State == pkcs11.CKS_RW_USER_FUNCTIONS
		return nil
	})
	return loggedIn, err
}

// withSession opens a session on the slot, runs fn and closes
// the session on every path. An error from fn wins over close error.
func (m *sessionManager) withSession(slotID uint, fn func(sh pkcs11.SessionHandle) error) (err error) {
	sh, err := m.ctx.OpenSession(slotID, rwSessionFlags)
	if err != nil {
		return providerFault(err, "failed to open session on slot %d", slotID)
	}

	defer func() {
		cerr := m.ctx.CloseSession(sh)
		if cerr == nil {
			return
		}
		if err == nil {
			err = providerFault(cerr, "failed to close session on slot %d", slotID)
		} else {
			logger.KV(xlog.WARNING, "reason", "close_session", "slot", slotID, "err", cerr.Error())
		}
	}()

	return fn(sh)
}
