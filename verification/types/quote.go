package types

import (
	"encoding/binary"
	"fmt"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
)

/*
   SGX ECDSA-P256 quote (version 3) parser.
   Based on:
   https://github.com/intel/SGXDataCenterAttestationPrimitives/blob/master/QuoteGeneration/quote_wrapper/common/inc/sgx_quote_3.h

   Layout of a complete quote:

     ┌─────────────────────────┐
     │     SGXQuote3Header     │  48 bytes
     ├─────────────────────────┤
     │     sgx.ReportBody      │  384 bytes (ISV enclave report)
     ├─────────────────────────┤
     │     SignatureLength     │  4 bytes
     ├─────────────────────────┤
     │  ECDSA256QuoteAuthData  │  variable:
     │    Signature            │    64 bytes (over header + report)
     │    PublicKey            │    64 bytes (attestation key, raw X||Y)
     │    QEReport             │    384 bytes
     │    QEReportSignature    │    64 bytes (by the PCK leaf key)
     │    QEAuthData           │    2 bytes size + data
     │    CertificationData    │    2 bytes type + 4 bytes size + data
     └─────────────────────────┘

   For certification data type 5 (PCK_ID_PCK_CERT_CHAIN) the data is a
   \0-terminated PEM chain: PCK leaf, PCK CA, root CA.
*/

const (
	// QuoteVersion3 is the quote format version produced by the SGX ECDSA
	// quoting enclave. No other version is supported.
	QuoteVersion3 = 3

	// AttestationKeyTypeECDSA256 identifies an ECDSA-P256 attestation key.
	AttestationKeyTypeECDSA256 = 2

	// PCK_ID_PCK_CERT_CHAIN is the CertificationData type holding the PCK
	// cert chain (encoded in PEM, \0 byte terminated).
	PCK_ID_PCK_CERT_CHAIN = 5

	quoteHeaderSize = 48
	quoteBodyEnd    = quoteHeaderSize + sgx.ReportBodySize // 432
	quoteMinSize    = quoteBodyEnd + 4 + authDataMinSize   // 1020

	// fixed part of ECDSA256QuoteAuthData: signature, public key, QE report,
	// QE report signature, QEAuthData size, CertificationData type + size
	authDataMinSize = 64 + 64 + sgx.ReportBodySize + 64 + 2 + 6
)

// QEVendorIDIntel is the quoting enclave vendor ID of Intel's reference QE.
var QEVendorIDIntel = [16]byte{0x93, 0x9a, 0x72, 0x33, 0xf7, 0x9c, 0x4c, 0xa9, 0x94, 0x0a, 0x0d, 0xb3, 0x95, 0x7f, 0x06, 0x07}

// SGXQuote3Header is the 48-byte header of an SGX ECDSA quote.
type SGXQuote3Header struct {
	Version            uint16
	AttestationKeyType uint16
	Reserved           uint32
	QESVN              uint16
	PCESVN             uint16
	QEVendorID         [16]byte
	UserData           [20]byte
}

// Marshal serializes the quote header to its 48-byte representation.
func (h *SGXQuote3Header) Marshal() [quoteHeaderSize]byte {
	var result [quoteHeaderSize]byte
	binary.LittleEndian.PutUint16(result[0:2], h.Version)
	binary.LittleEndian.PutUint16(result[2:4], h.AttestationKeyType)
	binary.LittleEndian.PutUint32(result[4:8], h.Reserved)
	binary.LittleEndian.PutUint16(result[8:10], h.QESVN)
	binary.LittleEndian.PutUint16(result[10:12], h.PCESVN)
	copy(result[12:28], h.QEVendorID[:])
	copy(result[28:48], h.UserData[:])
	return result
}

// SGXQuote3 is an SGX ECDSA-P256 quote, version 3.
type SGXQuote3 struct {
	Header          SGXQuote3Header
	Report          sgx.ReportBody
	SignatureLength uint32
	Signature       ECDSA256QuoteAuthData
}

// SignedPrefix returns the bytes covered by the quote signature:
// the header concatenated with the ISV enclave report.
func (q *SGXQuote3) SignedPrefix() []byte {
	header := q.Header.Marshal()
	report := q.Report.Marshal()
	return append(header[:], report[:]...)
}

// ECDSA256QuoteAuthData is the signature section of an SGX ECDSA quote.
type ECDSA256QuoteAuthData struct {
	Signature         [64]byte // over the quote header and ISV report
	PublicKey         [64]byte // attestation public key, raw X||Y
	QEReport          sgx.ReportBody
	QEReportSignature [64]byte // by the PCK certificate key
	QEAuthData        []byte
	CertificationData CertificationData
}

// CertificationData is the generic certification data wrapper at the end of
// the quote signature. For certification type 5 the data is the PEM-encoded
// PCK certificate chain.
type CertificationData struct {
	Type uint16
	Data []byte
}

// ParseQuote parses an SGX ECDSA v3 quote. The expected input is the
// complete quote with no trailing data.
func ParseQuote(rawQuote []byte) (SGXQuote3, error) {
	quoteLength := len(rawQuote)
	if quoteLength < quoteMinSize {
		return SGXQuote3{}, fmt.Errorf("quote structure is too short to be parsed (received: %d bytes)", quoteLength)
	} else if quoteLength > 1048576 {
		return SGXQuote3{}, fmt.Errorf("quote is too large (over 1 MiB, received: %d bytes)", quoteLength)
	}

	header := SGXQuote3Header{
		Version:            binary.LittleEndian.Uint16(rawQuote[0:2]),
		AttestationKeyType: binary.LittleEndian.Uint16(rawQuote[2:4]),
		Reserved:           binary.LittleEndian.Uint32(rawQuote[4:8]),
		QESVN:              binary.LittleEndian.Uint16(rawQuote[8:10]),
		PCESVN:             binary.LittleEndian.Uint16(rawQuote[10:12]),
		QEVendorID:         [16]byte(rawQuote[12:28]),
		UserData:           [20]byte(rawQuote[28:48]),
	}

	if header.Version != QuoteVersion3 {
		return SGXQuote3{}, fmt.Errorf("quote version is not %d (got: %d)", QuoteVersion3, header.Version)
	}
	if header.AttestationKeyType != AttestationKeyTypeECDSA256 {
		return SGXQuote3{}, fmt.Errorf("quote attestation key type is not ECDSA-P256 (expected: %d, got: %d)", AttestationKeyTypeECDSA256, header.AttestationKeyType)
	}

	report, err := sgx.ParseReportBody(rawQuote[quoteHeaderSize:quoteBodyEnd])
	if err != nil {
		return SGXQuote3{}, fmt.Errorf("parsing ISV enclave report: %w", err)
	}

	signatureLength := binary.LittleEndian.Uint32(rawQuote[quoteBodyEnd : quoteBodyEnd+4])
	endSignature := uint64(quoteBodyEnd+4) + uint64(signatureLength)
	if endSignature != uint64(quoteLength) {
		return SGXQuote3{}, fmt.Errorf("quote SignatureLength does not match the remaining data (declared: %d bytes, remaining: %d bytes)", signatureLength, quoteLength-quoteBodyEnd-4)
	}

	signature, err := parseAuthData(rawQuote[quoteBodyEnd+4:])
	if err != nil {
		return SGXQuote3{}, fmt.Errorf("parsing quote signature: %w", err)
	}

	return SGXQuote3{
		Header:          header,
		Report:          report,
		SignatureLength: signatureLength,
		Signature:       signature,
	}, nil
}

// parseAuthData parses the ECDSA256QuoteAuthData section of an SGX quote.
func parseAuthData(authData []byte) (ECDSA256QuoteAuthData, error) {
	authDataLength := len(authData)
	if authDataLength < authDataMinSize {
		return ECDSA256QuoteAuthData{}, fmt.Errorf("signature is too short to be parsed (received: %d bytes)", authDataLength)
	}

	qeReport, err := sgx.ParseReportBody(authData[128:512])
	if err != nil {
		return ECDSA256QuoteAuthData{}, fmt.Errorf("parsing QE report: %w", err)
	}

	signature := ECDSA256QuoteAuthData{
		Signature:         [64]byte(authData[0:64]),
		PublicKey:         [64]byte(authData[64:128]),
		QEReport:          qeReport,
		QEReportSignature: [64]byte(authData[512:576]),
	}

	qeAuthDataSize := binary.LittleEndian.Uint16(authData[576:578])
	// Upgrade to uint32 since we could overflow if the size is close to the top of uint16.
	endQEAuthData := 578 + uint32(qeAuthDataSize)
	if uint64(endQEAuthData)+6 > uint64(authDataLength) {
		return ECDSA256QuoteAuthData{}, fmt.Errorf("QEAuthData size is either incorrect or data is truncated (requires at least: %d bytes, left: %d bytes)", qeAuthDataSize, authDataLength-578)
	}
	signature.QEAuthData = authData[578:endQEAuthData]

	certData, err := parseCertificationData(authData[endQEAuthData:])
	if err != nil {
		return ECDSA256QuoteAuthData{}, err
	}
	signature.CertificationData = certData

	return signature, nil
}

// parseCertificationData parses the CertificationData trailing the quote
// signature. Only the PCK certificate chain type is supported.
func parseCertificationData(certData []byte) (CertificationData, error) {
	certDataLength := len(certData)
	if certDataLength < 6 {
		return CertificationData{}, fmt.Errorf("CertificationData is too short to be parsed (received: %d bytes)", certDataLength)
	}

	parsed := CertificationData{
		Type: binary.LittleEndian.Uint16(certData[0:2]),
	}
	if parsed.Type != PCK_ID_PCK_CERT_CHAIN {
		return CertificationData{}, fmt.Errorf("CertificationData.Type is unexpected (expected PCK_ID_PCK_CERT_CHAIN (5), got %d)", parsed.Type)
	}

	declaredSize := binary.LittleEndian.Uint32(certData[2:6])
	// Upgrade to uint64 since we could overflow if the size is close to the top of uint32.
	endData := 6 + uint64(declaredSize)
	if endData != uint64(certDataLength) {
		return CertificationData{}, fmt.Errorf("CertificationData size does not match the remaining data (declared: %d bytes, remaining: %d bytes)", declaredSize, certDataLength-6)
	}
	parsed.Data = certData[6:endData]

	return parsed, nil
}

// Marshal serializes the quote to its binary representation. The signature
// length field is recomputed from the actual signature contents.
func (q *SGXQuote3) Marshal() []byte {
	qeReport := q.Signature.QEReport.Marshal()

	authData := make([]byte, 0, authDataMinSize+len(q.Signature.QEAuthData)+len(q.Signature.CertificationData.Data))
	authData = append(authData, q.Signature.Signature[:]...)
	authData = append(authData, q.Signature.PublicKey[:]...)
	authData = append(authData, qeReport[:]...)
	authData = append(authData, q.Signature.QEReportSignature[:]...)
	authData = binary.LittleEndian.AppendUint16(authData, uint16(len(q.Signature.QEAuthData)))
	authData = append(authData, q.Signature.QEAuthData...)
	authData = binary.LittleEndian.AppendUint16(authData, q.Signature.CertificationData.Type)
	authData = binary.LittleEndian.AppendUint32(authData, uint32(len(q.Signature.CertificationData.Data)))
	authData = append(authData, q.Signature.CertificationData.Data...)

	quote := q.SignedPrefix()
	quote = binary.LittleEndian.AppendUint32(quote, uint32(len(authData)))
	quote = append(quote, authData...)
	return quote
}
