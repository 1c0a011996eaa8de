// Package testutil generates synthetic DCAP fixtures: an Intel-shaped PCK
// certificate hierarchy, attestation keys, quote signing, and matching TCB
// Info / QE Identity collateral. It backs the mock quoting service and the
// package tests, so no captured (and eventually expiring) blobs are needed.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/edgelesssys/go-sgx-ratls/enclave"
	"github.com/edgelesssys/go-sgx-ratls/sgx"
	"github.com/edgelesssys/go-sgx-ratls/verification"
	"github.com/edgelesssys/go-sgx-ratls/verification/crypto"
	"github.com/edgelesssys/go-sgx-ratls/verification/status"
	"github.com/edgelesssys/go-sgx-ratls/verification/types"
)

// Fixed parameters of the synthetic platform.
var (
	testFMSPC  = [6]byte{0x00, 0x90, 0x6e, 0xa1, 0x00, 0x00}
	testPCEID  = [2]byte{0x00, 0x00}
	testCPUSVN = [16]byte{0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02}

	qeMRENCLAVE = sha256.Sum256([]byte("test quoting enclave"))
	qeMRSIGNER  = sha256.Sum256([]byte("test quoting enclave signer"))
)

const (
	qeISVProdID = uint16(1)
	qeISVSVN    = uint16(8)
	pceSVN      = uint16(11)
	tcbCompSVN  = uint8(2)
)

// Platform is a synthetic SGX platform: a mock enclave platform, a PCK
// certificate hierarchy rooted in a test CA, an attestation key, and
// matching collateral. Fields are exported so tests can derive degraded
// variants (e.g. revoked TCB levels) from a healthy platform.
type Platform struct {
	Mock *enclave.MockPlatform

	RootCert  *x509.Certificate
	RootKey   *ecdsa.PrivateKey
	PCKCACert *x509.Certificate
	PCKCAKey  *ecdsa.PrivateKey
	PCKCert   *x509.Certificate
	PCKKey    *ecdsa.PrivateKey

	TCBSigningCert *x509.Certificate
	TCBSigningKey  *ecdsa.PrivateKey

	AttestationKey *ecdsa.PrivateKey

	TCBInfo    types.TCBInfo
	QEIdentity types.QEIdentity
}

// NewPlatform generates a healthy synthetic platform. All certificates are
// valid from an hour ago for ten years, and collateral is fresh for 30 days.
func NewPlatform() (*Platform, error) {
	mock, err := enclave.NewMockPlatform()
	if err != nil {
		return nil, err
	}

	p := &Platform{Mock: mock}
	now := time.Now()

	p.RootKey, p.RootCert, err = newCACert("Test SGX Root CA", nil, nil, now)
	if err != nil {
		return nil, fmt.Errorf("creating root CA: %w", err)
	}
	p.PCKCAKey, p.PCKCACert, err = newCACert("Test SGX PCK Platform CA", p.RootCert, p.RootKey, now)
	if err != nil {
		return nil, fmt.Errorf("creating PCK CA: %w", err)
	}
	p.TCBSigningKey, p.TCBSigningCert, err = newLeafCert("Test SGX TCB Signing", p.RootCert, p.RootKey, now, nil)
	if err != nil {
		return nil, fmt.Errorf("creating TCB signing cert: %w", err)
	}

	sgxExtension, err := types.MarshalPCKSGXExtensions(types.SGXExtensions{
		TCB: types.PCKTCB{
			TCBSVN: pckComponentSVNs(tcbCompSVN),
			PCESVN: pceSVN,
			CPUSVN: testCPUSVN,
		},
		PCEID: testPCEID,
		FMSPC: testFMSPC,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding SGX extension: %w", err)
	}
	p.PCKKey, p.PCKCert, err = newLeafCert("Test SGX PCK Certificate", p.PCKCACert, p.PCKCAKey, now, []pkix.Extension{
		{Id: types.SGXExtensionOID, Value: sgxExtension},
	})
	if err != nil {
		return nil, fmt.Errorf("creating PCK cert: %w", err)
	}

	p.AttestationKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating attestation key: %w", err)
	}

	p.TCBInfo = types.TCBInfo{
		ID:                      types.TCBInfoSGXID,
		Version:                 3,
		IssueDate:               now.Add(-24 * time.Hour).UTC().Truncate(time.Second),
		NextUpdate:              now.Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
		FMSPC:                   testFMSPC,
		PCEID:                   testPCEID,
		TCBEvaluationDataNumber: 15,
		TCBLevels: []types.TCBLevel{
			{
				TCB:       types.TCB{SGXTCBComponents: tcbComponents(tcbCompSVN), PCESVN: pceSVN},
				TCBDate:   now.Add(-24 * time.Hour).UTC().Truncate(time.Second),
				TCBStatus: status.UpToDate,
			},
			{
				TCB:         types.TCB{SGXTCBComponents: tcbComponents(1), PCESVN: pceSVN - 1},
				TCBDate:     now.Add(-365 * 24 * time.Hour).UTC().Truncate(time.Second),
				TCBStatus:   status.OutOfDate,
				AdvisoryIDs: []string{"INTEL-SA-00000"},
			},
		},
	}

	p.QEIdentity = types.QEIdentity{
		ID:                      types.QEIdentitySGXID,
		Version:                 types.QEIdentityVersion,
		IssueDate:               p.TCBInfo.IssueDate,
		NextUpdate:              p.TCBInfo.NextUpdate,
		TCBEvaluationDataNumber: 15,
		MiscSelectMask:          0xFFFFFFFF,
		Attributes:              qeAttributes(),
		AttributesMask:          qeAttributesMask(),
		MRSIGNER:                qeMRSIGNER,
		ISVProdID:               qeISVProdID,
		TCBLevels: []types.TCBLevel{
			{
				TCB:       types.TCB{ISVSVN: qeISVSVN},
				TCBDate:   p.TCBInfo.IssueDate,
				TCBStatus: status.UpToDate,
			},
			{
				TCB:       types.TCB{ISVSVN: 1},
				TCBDate:   p.TCBInfo.TCBLevels[1].TCBDate,
				TCBStatus: status.OutOfDate,
			},
		},
	}

	return p, nil
}

// VerifierConfig returns a quote verifier config trusting this platform.
func (p *Platform) VerifierConfig() verification.Config {
	return verification.Config{
		TCBInfo:    p.TCBInfo,
		QEIdentity: p.QEIdentity,
		RootCA:     p.RootCert,
	}
}

// Device returns a mock enclave device on this platform.
func (p *Platform) Device(identity enclave.MockIdentity) *enclave.MockDevice {
	return p.Mock.Device(identity)
}

// SignQuote forges a quote over the given report body, signed by the
// platform's attestation key and certified by its PCK chain.
func (p *Platform) SignQuote(report sgx.ReportBody) ([]byte, error) {
	attestationPub := rawPublicKey(&p.AttestationKey.PublicKey)

	binding := sha256.Sum256(attestationPub[:])
	var qeReportData [sgx.ReportDataSize]byte
	copy(qeReportData[:32], binding[:])

	qeReport := sgx.ReportBody{
		Attributes: sgx.Attributes{Flags: sgx.AttributeInit | sgx.AttributeMode64Bit, XFRM: 0x3},
		MRENCLAVE:  qeMRENCLAVE,
		MRSIGNER:   qeMRSIGNER,
		ISVProdID:  qeISVProdID,
		ISVSVN:     qeISVSVN,
		ReportData: qeReportData,
	}
	qeReportRaw := qeReport.Marshal()
	qeReportSignature, err := crypto.SignECDSA(rand.Reader, p.PCKKey, qeReportRaw[:])
	if err != nil {
		return nil, fmt.Errorf("signing QE report: %w", err)
	}

	quote := types.SGXQuote3{
		Header: types.SGXQuote3Header{
			Version:            types.QuoteVersion3,
			AttestationKeyType: types.AttestationKeyTypeECDSA256,
			QESVN:              qeISVSVN,
			PCESVN:             pceSVN,
			QEVendorID:         types.QEVendorIDIntel,
		},
		Report: report,
		Signature: types.ECDSA256QuoteAuthData{
			PublicKey:         attestationPub,
			QEReport:          qeReport,
			QEReportSignature: qeReportSignature,
			CertificationData: types.CertificationData{
				Type: types.PCK_ID_PCK_CERT_CHAIN,
				Data: append(crypto.EncodePEMCertificates(p.PCKCert.Raw, p.PCKCACert.Raw, p.RootCert.Raw), 0x00),
			},
		},
	}

	quoteSignature, err := crypto.SignECDSA(rand.Reader, p.AttestationKey, quote.SignedPrefix())
	if err != nil {
		return nil, fmt.Errorf("signing quote: %w", err)
	}
	quote.Signature.Signature = quoteSignature

	return quote.Marshal(), nil
}

// QuotingService returns a mock quoting service for this platform. It
// implements quoting.ReportingClient: it authenticates itself with a
// MAC-able QE report and requires submitted reports to carry a verifying
// MAC before signing them into quotes.
func (p *Platform) QuotingService() *QuotingService {
	return &QuotingService{
		platform: p,
		device: p.Mock.Device(enclave.MockIdentity{
			MRENCLAVE: qeMRENCLAVE,
			MRSIGNER:  qeMRSIGNER,
			ISVProdID: qeISVProdID,
			ISVSVN:    qeISVSVN,
		}),
	}
}

// QuotingService is a mock quoting enclave performing the full local
// attestation exchange on a synthetic platform.
type QuotingService struct {
	platform *Platform
	device   *enclave.MockDevice
}

// TargetInfo returns the mock quoting enclave's target info.
func (s *QuotingService) TargetInfo(ctx context.Context) (sgx.TargetInfo, error) {
	if err := ctx.Err(); err != nil {
		return sgx.TargetInfo{}, err
	}
	return s.device.TargetInfo()
}

// Report issues a report over the quoting enclave's identity targeted at the
// caller, for the caller to verify the quoting path locally.
func (s *QuotingService) Report(ctx context.Context, target sgx.TargetInfo) (sgx.Report, error) {
	if err := ctx.Err(); err != nil {
		return sgx.Report{}, err
	}
	return s.device.Report(target, [sgx.ReportDataSize]byte{})
}

// Quote verifies the submitted report's MAC, as a hardware quoting enclave
// would, and signs it into a quote.
func (s *QuotingService) Quote(ctx context.Context, report sgx.Report) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sgx.VerifyReportMAC(&report, s.platform.Mock); err != nil {
		return nil, fmt.Errorf("verifying report before quoting: %w", err)
	}
	return s.platform.SignQuote(report.Body)
}

// SignedTCBInfoJSON returns the TCB Info as the signed JSON envelope served
// by the PCS tcb endpoint.
func (p *Platform) SignedTCBInfoJSON() ([]byte, error) {
	body := map[string]any{
		"id":                      p.TCBInfo.ID,
		"version":                 p.TCBInfo.Version,
		"issueDate":               p.TCBInfo.IssueDate.Format(time.RFC3339),
		"nextUpdate":              p.TCBInfo.NextUpdate.Format(time.RFC3339),
		"fmspc":                   hex.EncodeToString(p.TCBInfo.FMSPC[:]),
		"pceid":                   hex.EncodeToString(p.TCBInfo.PCEID[:]),
		"tcbType":                 p.TCBInfo.TCBType,
		"tcbEvaluationDataNumber": p.TCBInfo.TCBEvaluationDataNumber,
		"tcbLevels":               tcbLevelsJSON(p.TCBInfo.TCBLevels),
	}
	return p.signedEnvelope("tcbInfo", body)
}

// SignedQEIdentityJSON returns the QE Identity as the signed JSON envelope
// served by the PCS qe/identity endpoint.
func (p *Platform) SignedQEIdentityJSON() ([]byte, error) {
	miscSelect := make([]byte, 4)
	miscSelectMask := make([]byte, 4)
	binary.LittleEndian.PutUint32(miscSelect, p.QEIdentity.MiscSelect)
	binary.LittleEndian.PutUint32(miscSelectMask, p.QEIdentity.MiscSelectMask)

	body := map[string]any{
		"id":                      p.QEIdentity.ID,
		"version":                 p.QEIdentity.Version,
		"issueDate":               p.QEIdentity.IssueDate.Format(time.RFC3339),
		"nextUpdate":              p.QEIdentity.NextUpdate.Format(time.RFC3339),
		"tcbEvaluationDataNumber": p.QEIdentity.TCBEvaluationDataNumber,
		"miscselect":              hex.EncodeToString(miscSelect),
		"miscselectMask":          hex.EncodeToString(miscSelectMask),
		"attributes":              hex.EncodeToString(p.QEIdentity.Attributes[:]),
		"attributesMask":          hex.EncodeToString(p.QEIdentity.AttributesMask[:]),
		"mrsigner":                hex.EncodeToString(p.QEIdentity.MRSIGNER[:]),
		"isvprodid":               p.QEIdentity.ISVProdID,
		"tcbLevels":               tcbLevelsJSON(p.QEIdentity.TCBLevels),
	}
	return p.signedEnvelope("enclaveIdentity", body)
}

// IssuerChainHeader returns the URL-encoded PEM issuer chain the PCS sends
// in its signing chain response headers.
func (p *Platform) IssuerChainHeader() string {
	chain := crypto.EncodePEMCertificates(p.TCBSigningCert.Raw, p.RootCert.Raw)
	return url.QueryEscape(string(chain))
}

// RootCRLDER returns an empty CRL signed by the platform's root CA.
func (p *Platform) RootCRLDER() ([]byte, error) {
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: time.Now().Add(30 * 24 * time.Hour),
	}
	return x509.CreateRevocationList(rand.Reader, template, p.RootCert, p.RootKey)
}

func (p *Platform) signedEnvelope(field string, body map[string]any) ([]byte, error) {
	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s body: %w", field, err)
	}
	signature, err := crypto.SignECDSA(rand.Reader, p.TCBSigningKey, rawBody)
	if err != nil {
		return nil, fmt.Errorf("signing %s body: %w", field, err)
	}
	return json.Marshal(map[string]any{
		field:       json.RawMessage(rawBody),
		"signature": hex.EncodeToString(signature[:]),
	})
}

func tcbLevelsJSON(levels []types.TCBLevel) []map[string]any {
	out := make([]map[string]any, 0, len(levels))
	for _, level := range levels {
		tcb := map[string]any{}
		if level.TCB.ISVSVN != 0 {
			tcb["isvsvn"] = level.TCB.ISVSVN
		} else {
			components := make([]map[string]any, 16)
			for i, component := range level.TCB.SGXTCBComponents {
				components[i] = map[string]any{"svn": component.SVN}
			}
			tcb["sgxtcbcomponents"] = components
			tcb["pcesvn"] = level.TCB.PCESVN
		}
		entry := map[string]any{
			"tcb":       tcb,
			"tcbDate":   level.TCBDate.Format(time.RFC3339),
			"tcbStatus": string(level.TCBStatus),
		}
		if len(level.AdvisoryIDs) > 0 {
			entry["advisoryIDs"] = level.AdvisoryIDs
		}
		out = append(out, entry)
	}
	return out
}

func newCACert(commonName string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, now time.Time) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Test Corporation"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent, parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func newLeafCert(commonName string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, now time.Time, extensions []pkix.Extension) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:    newSerial(),
		Subject:         pkix.Name{CommonName: commonName, Organization: []string{"Test Corporation"}},
		NotBefore:       now.Add(-time.Hour),
		NotAfter:        now.AddDate(10, 0, 0),
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtraExtensions: extensions,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func newSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		panic(err)
	}
	return serial
}

func rawPublicKey(key *ecdsa.PublicKey) [64]byte {
	var raw [64]byte
	key.X.FillBytes(raw[:32])
	key.Y.FillBytes(raw[32:64])
	return raw
}

func pckComponentSVNs(svn uint8) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = svn
	}
	return out
}

func tcbComponents(svn uint8) [16]types.TCBComponent {
	var out [16]types.TCBComponent
	for i := range out {
		out[i] = types.TCBComponent{SVN: svn}
	}
	return out
}

func qeAttributes() [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], sgx.AttributeInit|sgx.AttributeMode64Bit)
	binary.LittleEndian.PutUint64(out[8:16], 0x3)
	return out
}

func qeAttributesMask() [16]byte {
	var out [16]byte
	// match all flags except DEBUG, ignore XFRM
	binary.LittleEndian.PutUint64(out[0:8], ^sgx.AttributeDebug)
	return out
}
