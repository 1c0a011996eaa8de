package sgx

import (
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReportBody() ReportBody {
	return ReportBody{
		CPUSVN:     [16]byte{0x01, 0x02, 0x03},
		MiscSelect: 0x1,
		Attributes: Attributes{Flags: AttributeInit | AttributeMode64Bit, XFRM: 0x3},
		MRENCLAVE:  [32]byte{0xAA, 0xBB},
		MRSIGNER:   [32]byte{0xCC, 0xDD},
		ISVProdID:  7,
		ISVSVN:     3,
		ReportData: [64]byte{0xEE, 0xFF},
	}
}

func TestReportBodyRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	body := testReportBody()
	raw := body.Marshal()

	parsed, err := ParseReportBody(raw[:])
	require.NoError(err)
	assert.Equal(body, parsed)
}

func TestParseReportBodyErrors(t *testing.T) {
	body := testReportBody()
	valid := body.Marshal()

	testCases := map[string]struct {
		raw []byte
	}{
		"empty":     {raw: []byte{}},
		"too short": {raw: valid[:ReportBodySize-1]},
		"too long":  {raw: append(valid[:], 0x00)},
		"nonzero reserved bytes": {raw: func() []byte {
			raw := valid
			raw[21] = 0x01
			return raw[:]
		}()},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			_, err := ParseReportBody(tc.raw)
			assert.ErrorIs(err, ErrMalformedReport)
		})
	}
}

func TestReportRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	report := Report{
		Body:  testReportBody(),
		KeyID: [32]byte{0x11, 0x22},
		MAC:   [16]byte{0x33, 0x44},
	}
	raw := report.Marshal()

	parsed, err := ParseReport(raw[:])
	require.NoError(err)
	assert.Equal(report, parsed)
}

func TestParseReportErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := ParseReport(make([]byte, ReportSize-1))
	assert.ErrorIs(err, ErrMalformedReport)

	_, err = ParseReport(make([]byte, ReportSize+1))
	assert.ErrorIs(err, ErrMalformedReport)
}

func TestTargetInfoRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	targetInfo := TargetInfo{
		MRENCLAVE:  [32]byte{0x55, 0x66},
		Attributes: Attributes{Flags: AttributeInit, XFRM: 0x3},
		ConfigSVN:  2,
		MiscSelect: 1,
		ConfigID:   [64]byte{0x77},
	}
	raw := targetInfo.Marshal()

	parsed, err := ParseTargetInfo(raw[:])
	require.NoError(err)
	assert.Equal(targetInfo, parsed)

	_, err = ParseTargetInfo(raw[:TargetInfoSize-1])
	assert.ErrorIs(err, ErrMalformedReport)
}

func TestAttributesIsDebug(t *testing.T) {
	assert := assert.New(t)

	assert.False(Attributes{Flags: AttributeInit}.IsDebug())
	assert.True(Attributes{Flags: AttributeInit | AttributeDebug}.IsDebug())
}

func FuzzParseReportBody(f *testing.F) {
	body := testReportBody()
	raw := body.Marshal()
	f.Add(raw[:])
	f.Fuzz(func(t *testing.T, a []byte) {
		target := ReportBody{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		if err := fuzzConsumer.GenerateStruct(&target); err != nil {
			return
		}

		marshaled := target.Marshal()
		parsed, err := ParseReportBody(marshaled[:])
		require.NoError(t, err)
		require.Equal(t, target, parsed)
	})
}

func FuzzParseReport(f *testing.F) {
	report := Report{Body: testReportBody()}
	raw := report.Marshal()
	f.Add(raw[:])
	f.Add([]byte{0x00})
	f.Fuzz(func(t *testing.T, a []byte) {
		// must never panic on arbitrary input
		_, _ = ParseReport(a)
	})
}
