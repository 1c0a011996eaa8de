package types

import (
	"encoding/binary"
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
)

func testQuote() SGXQuote3 {
	return SGXQuote3{
		Header: SGXQuote3Header{
			Version:            QuoteVersion3,
			AttestationKeyType: AttestationKeyTypeECDSA256,
			QESVN:              8,
			PCESVN:             11,
			QEVendorID:         QEVendorIDIntel,
		},
		Report: sgx.ReportBody{
			Attributes: sgx.Attributes{Flags: sgx.AttributeInit, XFRM: 0x3},
			MRENCLAVE:  [32]byte{0x01},
			MRSIGNER:   [32]byte{0x02},
			ISVProdID:  1,
			ISVSVN:     2,
			ReportData: [64]byte{0x03},
		},
		Signature: ECDSA256QuoteAuthData{
			Signature: [64]byte{0x04},
			PublicKey: [64]byte{0x05},
			QEReport: sgx.ReportBody{
				MRENCLAVE:  [32]byte{0x06},
				MRSIGNER:   [32]byte{0x07},
				ISVProdID:  1,
				ISVSVN:     8,
				ReportData: [64]byte{0x08},
			},
			QEReportSignature: [64]byte{0x09},
			QEAuthData:        []byte{0x0A, 0x0B},
			CertificationData: CertificationData{
				Type: PCK_ID_PCK_CERT_CHAIN,
				Data: []byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n\x00"),
			},
		},
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	quote := testQuote()
	raw := quote.Marshal()

	parsed, err := ParseQuote(raw)
	require.NoError(err)

	assert.Equal(quote.Header, parsed.Header)
	assert.Equal(quote.Report, parsed.Report)
	assert.Equal(quote.Signature.Signature, parsed.Signature.Signature)
	assert.Equal(quote.Signature.PublicKey, parsed.Signature.PublicKey)
	assert.Equal(quote.Signature.QEReport, parsed.Signature.QEReport)
	assert.Equal(quote.Signature.QEReportSignature, parsed.Signature.QEReportSignature)
	assert.Equal(quote.Signature.QEAuthData, parsed.Signature.QEAuthData)
	assert.Equal(quote.Signature.CertificationData, parsed.Signature.CertificationData)
	assert.Equal(uint32(len(raw)-436), parsed.SignatureLength)
}

func TestParseQuoteErrors(t *testing.T) {
	validQuote := testQuote()
	valid := validQuote.Marshal()

	testCases := map[string]struct {
		tamper func([]byte) []byte
	}{
		"empty": {
			tamper: func([]byte) []byte { return nil },
		},
		"too short": {
			tamper: func(raw []byte) []byte { return raw[:100] },
		},
		"trailing data": {
			tamper: func(raw []byte) []byte { return append(raw, 0x00) },
		},
		"unsupported version": {
			tamper: func(raw []byte) []byte {
				binary.LittleEndian.PutUint16(raw[0:2], 4)
				return raw
			},
		},
		"unsupported attestation key type": {
			tamper: func(raw []byte) []byte {
				binary.LittleEndian.PutUint16(raw[2:4], 1)
				return raw
			},
		},
		"signature length too large": {
			tamper: func(raw []byte) []byte {
				binary.LittleEndian.PutUint32(raw[432:436], 1<<30)
				return raw
			},
		},
		"signature length too small": {
			tamper: func(raw []byte) []byte {
				binary.LittleEndian.PutUint32(raw[432:436], 0)
				return raw
			},
		},
		"unsupported certification data type": {
			tamper: func(raw []byte) []byte {
				// certification data type sits after the fixed auth data and QE auth data
				offset := 436 + 578 + 2
				binary.LittleEndian.PutUint16(raw[offset:offset+2], 6)
				return raw
			},
		},
		"truncated certification data": {
			tamper: func(raw []byte) []byte { return raw[:len(raw)-10] },
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			raw := append([]byte{}, valid...)
			_, err := ParseQuote(tc.tamper(raw))
			assert.Error(err)
		})
	}
}

func TestSignedPrefix(t *testing.T) {
	assert := assert.New(t)

	quote := testQuote()
	prefix := quote.SignedPrefix()

	assert.Len(prefix, 432)
	header := quote.Header.Marshal()
	report := quote.Report.Marshal()
	assert.Equal(header[:], prefix[:48])
	assert.Equal(report[:], prefix[48:])
}

func FuzzParseQuote(f *testing.F) {
	seedQuote := testQuote()
	f.Add(seedQuote.Marshal())
	f.Add([]byte{0x03, 0x00})
	f.Fuzz(func(t *testing.T, a []byte) {
		// must never panic on arbitrary input
		_, _ = ParseQuote(a)
	})
}

func FuzzQuoteRoundTrip(f *testing.F) {
	seedQuote := testQuote()
	f.Add(seedQuote.Marshal())
	f.Fuzz(func(t *testing.T, a []byte) {
		target := SGXQuote3{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		if err := fuzzConsumer.GenerateStruct(&target); err != nil {
			return
		}
		// force the fixed fields so the round trip can succeed
		target.Header.Version = QuoteVersion3
		target.Header.AttestationKeyType = AttestationKeyTypeECDSA256
		target.Signature.CertificationData.Type = PCK_ID_PCK_CERT_CHAIN
		if len(target.Signature.QEAuthData) > 1<<15 || len(target.Signature.CertificationData.Data) > 1<<19 {
			return
		}

		parsed, err := ParseQuote(target.Marshal())
		require.NoError(t, err)
		require.Equal(t, target.Header, parsed.Header)
		require.Equal(t, target.Report, parsed.Report)
	})
}
