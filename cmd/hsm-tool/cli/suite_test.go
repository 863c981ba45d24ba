package cli

import (
	"bytes"

	"github.com/alecthomas/kong"
	"github.com/effective-security/xwallet/crypto11"
	"github.com/effective-security/xwallet/crypto11/testp11"
	"github.com/effective-security/xwallet/x/ctl"
	"github.com/stretchr/testify/suite"
)

const testPin = "1234"

type testSuite struct {
	suite.Suite

	ctl *Cli
	p11 *testp11.Ctx
	// Out is the outpub buffer
	Out bytes.Buffer
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.ctl = &Cli{}

	s.ctl.WithErrWriter(&s.Out).
		WithWriter(&s.Out)

	parser, err := kong.New(s.ctl,
		kong.Name("hsm-tool"),
		kong.Description("CLI tool for key pairs custody on HSM"),
		kong.Writers(&s.Out, &s.Out),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--cfg=inmem"})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}

	s.p11 = testp11.New(map[uint]*testp11.Token{
		1: {
			Label:        "wallet",
			Serial:       "serial-1",
			Manufacturer: "SoftHSM project",
			Model:        "SoftHSM v2",
			Description:  "SoftHSM slot ID 0x1",
			Pin:          testPin,
		},
		2: {
			Label:        "backup",
			Serial:       "serial-2",
			Manufacturer: "SoftHSM project",
			Model:        "SoftHSM v2",
			Pin:          testPin,
		},
	})
	prov := crypto11.New(s.p11, crypto11.SoftHSM, "test")
	s.Require().NoError(prov.Initialize())

	s.ctl.WithProvider(prov, "wallet")
}

func (s *testSuite) TearDownTest() {
	s.NoError(s.ctl.Close())
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain the supplied
// text anywhere
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}
