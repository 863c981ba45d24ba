// Package testp11 provides in-memory PKCS#11 token for unit tests.
//
// Only operations used by crypto11 are emulated: sessions, user login,
// object search, EC key pair generation on secp256k1, and attributes.
package testp11

import (
	"bytes"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/effective-security/xwallet/ethaddr"
	"github.com/miekg/pkcs11"
)

// Token is emulated token in a slot
type Token struct {
	Label        string
	Serial       string
	Manufacturer string
	Model        string
	Description  string
	Pin          string

	loggedIn bool
	sessions int
	objects  map[pkcs11.ObjectHandle]*object
}

type object struct {
	attrs map[uint][]byte
}

type session struct {
	slotID uint
	rw     bool
	// found is not nil while search is active
	found []pkcs11.ObjectHandle
	init  bool
}

// Ctx is in-memory implementation of crypto11.Ctx
type Ctx struct {
	lock        sync.Mutex
	initialized bool
	tokens      map[uint]*Token
	sessions    map[pkcs11.SessionHandle]*session
	next        uint

	calls    map[string]int
	failNext map[string][]error
	fail     map[string]error
}

// New returns Ctx with tokens in slots
func New(tokens map[uint]*Token) *Ctx {
	for _, t := range tokens {
		t.objects = make(map[pkcs11.ObjectHandle]*object)
	}
	return &Ctx{
		tokens:   tokens,
		sessions: make(map[pkcs11.SessionHandle]*session),
		next:     1,
		calls:    make(map[string]int),
		failNext: make(map[string][]error),
		fail:     make(map[string]error),
	}
}

// FailNext sets error to be returned on the next call of the method
func (c *Ctx) FailNext(method string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.failNext[method] = append(c.failNext[method], err)
}

// Fail sets error to be returned on every call of the method,
// nil err clears it
func (c *Ctx) Fail(method string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err == nil {
		delete(c.fail, method)
	} else {
		c.fail[method] = err
	}
}

// Calls returns number of calls of the method, or of all methods if empty
func (c *Ctx) Calls(method string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	if method != "" {
		return c.calls[method]
	}
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// OpenSessions returns number of open sessions
func (c *Ctx) OpenSessions() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.sessions)
}

// Objects returns number of objects on the slot token
func (c *Ctx) Objects(slotID uint) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	if t, ok := c.tokens[slotID]; ok {
		return len(t.objects)
	}
	return 0
}

// Labels returns labels of objects of the class on the slot token
func (c *Ctx) Labels(slotID uint, class uint) []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	var res []string
	if t, ok := c.tokens[slotID]; ok {
		cls := pkcs11.NewAttribute(pkcs11.CKA_CLASS, class).Value
		for _, o := range t.objects {
			if bytes.Equal(o.attrs[pkcs11.CKA_CLASS], cls) {
				res = append(res, string(o.attrs[pkcs11.CKA_LABEL]))
			}
		}
	}
	return res
}

// Values returns values of the attribute of all objects on the slot token
func (c *Ctx) Values(slotID uint, typ uint) [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	var res [][]byte
	if t, ok := c.tokens[slotID]; ok {
		for _, h := range sortedHandles(t.objects) {
			if val, ok := t.objects[h].attrs[typ]; ok {
				res = append(res, val)
			}
		}
	}
	return res
}

// call must be called with the lock held
func (c *Ctx) call(method string) error {
	c.calls[method]++
	if errs := c.failNext[method]; len(errs) > 0 {
		c.failNext[method] = errs[1:]
		return errs[0]
	}
	return c.fail[method]
}

func (c *Ctx) session(sh pkcs11.SessionHandle) (*session, *Token, error) {
	s, ok := c.sessions[sh]
	if !ok {
		return nil, nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return s, c.tokens[s.slotID], nil
}

func (c *Ctx) handle() uint {
	h := c.next
	c.next++
	return h
}

// Initialize the library
func (c *Ctx) Initialize(_ ...pkcs11.InitializeOption) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("Initialize"); err != nil {
		return err
	}
	if c.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	c.initialized = true
	return nil
}

// Finalize the library, all sessions are closed
func (c *Ctx) Finalize() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("Finalize"); err != nil {
		return err
	}
	if !c.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	c.initialized = false
	c.sessions = make(map[pkcs11.SessionHandle]*session)
	for _, t := range c.tokens {
		t.sessions = 0
		t.loggedIn = false
	}
	return nil
}

// GetSlotList returns slots with tokens
func (c *Ctx) GetSlotList(_ bool) ([]uint, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetSlotList"); err != nil {
		return nil, err
	}
	list := make([]uint, 0, len(c.tokens))
	for id := range c.tokens {
		list = append(list, id)
	}
	return list, nil
}

// GetSlotInfo returns slot info
func (c *Ctx) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetSlotInfo"); err != nil {
		return pkcs11.SlotInfo{}, err
	}
	t, ok := c.tokens[slotID]
	if !ok {
		return pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return pkcs11.SlotInfo{
		SlotDescription: t.Description,
		ManufacturerID:  t.Manufacturer,
		Flags:           pkcs11.CKF_TOKEN_PRESENT,
	}, nil
}

// GetTokenInfo returns token info, label is padded with spaces
func (c *Ctx) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetTokenInfo"); err != nil {
		return pkcs11.TokenInfo{}, err
	}
	t, ok := c.tokens[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return pkcs11.TokenInfo{
		Label:          pad(t.Label, 32),
		ManufacturerID: pad(t.Manufacturer, 32),
		Model:          pad(t.Model, 16),
		SerialNumber:   t.Serial,
		Flags:          pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_LOGIN_REQUIRED,
	}, nil
}

// OpenSession opens a session
func (c *Ctx) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("OpenSession"); err != nil {
		return 0, err
	}
	if !c.initialized {
		return 0, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	t, ok := c.tokens[slotID]
	if !ok {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	sh := pkcs11.SessionHandle(c.handle())
	c.sessions[sh] = &session{
		slotID: slotID,
		rw:     flags&pkcs11.CKF_RW_SESSION != 0,
	}
	t.sessions++
	return sh, nil
}

// CloseSession closes the session, closing the last session on the token logs the user out
func (c *Ctx) CloseSession(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("CloseSession"); err != nil {
		return err
	}
	_, t, err := c.session(sh)
	if err != nil {
		return err
	}
	delete(c.sessions, sh)
	t.sessions--
	if t.sessions == 0 {
		t.loggedIn = false
	}
	return nil
}

// GetSessionInfo returns state of the session
func (c *Ctx) GetSessionInfo(sh pkcs11.SessionHandle) (pkcs11.SessionInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetSessionInfo"); err != nil {
		return pkcs11.SessionInfo{}, err
	}
	s, t, err := c.session(sh)
	if err != nil {
		return pkcs11.SessionInfo{}, err
	}

	var state uint
	switch {
	case s.rw && t.loggedIn:
		state = pkcs11.CKS_RW_USER_FUNCTIONS
	case s.rw:
		state = pkcs11.CKS_RW_PUBLIC_SESSION
	case t.loggedIn:
		state = pkcs11.CKS_RO_USER_FUNCTIONS
	default:
		state = pkcs11.CKS_RO_PUBLIC_SESSION
	}
	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if s.rw {
		flags |= pkcs11.CKF_RW_SESSION
	}
	return pkcs11.SessionInfo{SlotID: s.slotID, State: state, Flags: flags}, nil
}

// Login logs the user in to the token
func (c *Ctx) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("Login"); err != nil {
		return err
	}
	_, t, err := c.session(sh)
	if err != nil {
		return err
	}
	if userType != pkcs11.CKU_USER {
		return pkcs11.Error(pkcs11.CKR_USER_TYPE_INVALID)
	}
	if t.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if pin != t.Pin {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	t.loggedIn = true
	return nil
}

// Logout logs the user out of the token
func (c *Ctx) Logout(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("Logout"); err != nil {
		return err
	}
	_, t, err := c.session(sh)
	if err != nil {
		return err
	}
	if !t.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	t.loggedIn = false
	return nil
}

// FindObjectsInit starts search of objects matching the template.
// Private objects are visible only when the user is logged in.
func (c *Ctx) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("FindObjectsInit"); err != nil {
		return err
	}
	s, t, err := c.session(sh)
	if err != nil {
		return err
	}
	if s.init {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}

	s.init = true
	s.found = []pkcs11.ObjectHandle{}
	for _, h := range sortedHandles(t.objects) {
		o := t.objects[h]
		if !t.loggedIn && isTrue(o.attrs[pkcs11.CKA_PRIVATE]) {
			continue
		}
		if o.matches(temp) {
			s.found = append(s.found, h)
		}
	}
	return nil
}

// FindObjects returns next batch of found objects
func (c *Ctx) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("FindObjects"); err != nil {
		return nil, false, err
	}
	s, _, err := c.session(sh)
	if err != nil {
		return nil, false, err
	}
	if !s.init {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := max
	if n > len(s.found) {
		n = len(s.found)
	}
	res := s.found[:n]
	s.found = s.found[n:]
	return res, len(s.found) > 0, nil
}

// FindObjectsFinal finishes the search
func (c *Ctx) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("FindObjectsFinal"); err != nil {
		return err
	}
	s, _, err := c.session(sh)
	if err != nil {
		return err
	}
	if !s.init {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.init = false
	s.found = nil
	return nil
}

// GenerateKeyPair generates secp256k1 key pair, and returns public and private handles
func (c *Ctx) GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GenerateKeyPair"); err != nil {
		return 0, 0, err
	}
	s, t, err := c.session(sh)
	if err != nil {
		return 0, 0, err
	}
	if !s.rw {
		return 0, 0, pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY)
	}
	if !t.loggedIn {
		return 0, 0, pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	if len(m) != 1 || m[0].Mechanism != pkcs11.CKM_EC_KEY_PAIR_GEN {
		return 0, 0, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}

	pubObj := newObject(public)
	if !bytes.Equal(pubObj.attrs[pkcs11.CKA_EC_PARAMS], ethaddr.ECParams) {
		return 0, 0, pkcs11.Error(pkcs11.CKR_DOMAIN_PARAMS_INVALID)
	}

	prv, err := btcec.NewPrivateKey()
	if err != nil {
		return 0, 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}

	pubObj.attrs[pkcs11.CKA_EC_POINT] = ethaddr.WrapPoint(prv.PubKey().SerializeUncompressed())

	privObj := newObject(private)
	privObj.attrs[pkcs11.CKA_EC_PARAMS] = ethaddr.ECParams
	privObj.attrs[pkcs11.CKA_VALUE] = prv.Serialize()

	pub := pkcs11.ObjectHandle(c.handle())
	priv := pkcs11.ObjectHandle(c.handle())
	t.objects[pub] = pubObj
	t.objects[priv] = privObj
	return pub, priv, nil
}

// DestroyObject removes the object from the token
func (c *Ctx) DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("DestroyObject"); err != nil {
		return err
	}
	s, t, err := c.session(sh)
	if err != nil {
		return err
	}
	if !s.rw {
		return pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY)
	}
	if _, ok := t.objects[oh]; !ok {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	delete(t.objects, oh)
	return nil
}

// GetAttributeValue returns values of requested attributes
func (c *Ctx) GetAttributeValue(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetAttributeValue"); err != nil {
		return nil, err
	}
	_, t, err := c.session(sh)
	if err != nil {
		return nil, err
	}
	o, ok := t.objects[oh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}

	res := make([]*pkcs11.Attribute, len(a))
	for i, attr := range a {
		if attr.Type == pkcs11.CKA_VALUE && isTrue(o.attrs[pkcs11.CKA_SENSITIVE]) {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_SENSITIVE)
		}
		val, ok := o.attrs[attr.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res[i] = &pkcs11.Attribute{Type: attr.Type, Value: append([]byte{}, val...)}
	}
	return res, nil
}

// SetAttributeValue updates attributes of the object
func (c *Ctx) SetAttributeValue(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle, a []*pkcs11.Attribute) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("SetAttributeValue"); err != nil {
		return err
	}
	s, t, err := c.session(sh)
	if err != nil {
		return err
	}
	if !s.rw {
		return pkcs11.Error(pkcs11.CKR_SESSION_READ_ONLY)
	}
	o, ok := t.objects[oh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	for _, attr := range a {
		o.attrs[attr.Type] = append([]byte{}, attr.Value...)
	}
	return nil
}

// AddObject creates object with the attributes on the slot token,
// and returns its handle
func (c *Ctx) AddObject(slotID uint, attrs []*pkcs11.Attribute) pkcs11.ObjectHandle {
	c.lock.Lock()
	defer c.lock.Unlock()
	h := pkcs11.ObjectHandle(c.handle())
	c.tokens[slotID].objects[h] = newObject(attrs)
	return h
}

func newObject(attrs []*pkcs11.Attribute) *object {
	o := &object{attrs: make(map[uint][]byte, len(attrs)+2)}
	for _, a := range attrs {
		o.attrs[a.Type] = append([]byte{}, a.Value...)
	}
	return o
}

func (o *object) matches(temp []*pkcs11.Attribute) bool {
	for _, a := range temp {
		val, ok := o.attrs[a.Type]
		if !ok || !bytes.Equal(val, a.Value) {
			return false
		}
	}
	return true
}

func isTrue(val []byte) bool {
	return len(val) == 1 && val[0] != 0
}

func pad(s string, size int) string {
	for len(s) < size {
		s += " "
	}
	return s
}

func sortedHandles(m map[pkcs11.ObjectHandle]*object) []pkcs11.ObjectHandle {
	list := make([]pkcs11.ObjectHandle, 0, len(m))
	for h := range m {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}
