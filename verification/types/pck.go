package types

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

// SGXExtensionOID is the OID of Intel's custom X.509 extension on PCK
// certificates. The extension is a SEQUENCE of (OID, value) pairs.
var SGXExtensionOID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}

// Component OIDs inside the SGX extension.
var (
	oidPPID    = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 1}
	oidTCB     = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2}
	oidPCEID   = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 3}
	oidFMSPC   = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4}
	oidSGXType = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 5}

	oidTCBPCESVN = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2, 17}
	oidTCBCPUSVN = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2, 18}
)

// SGXExtensions are the SGX-specific X.509 extensions of a PCK certificate.
// They pin the platform instance (PPID), the provisioning identity (PCEID,
// FMSPC) and the TCB the certificate was issued for.
type SGXExtensions struct {
	PPID    [16]byte
	TCB     PCKTCB
	PCEID   [2]byte
	FMSPC   [6]byte
	SGXType int // 0 standard, 1 scalable
}

// PCKTCB is the TCB a PCK certificate attests: the 16 component SVNs and the
// PCE SVN matched against TCB Info levels, plus the raw CPU SVN.
type PCKTCB struct {
	TCBSVN [16]byte
	PCESVN uint16
	CPUSVN [16]byte
}

// sgxExtensionEntry is one (OID, value) pair of the SGX extension sequence.
type sgxExtensionEntry struct {
	OID   asn1.ObjectIdentifier
	Value asn1.RawValue
}

// ParsePCKSGXExtensions parses the SGX extensions of a PCK certificate.
func ParsePCKSGXExtensions(pckCert *x509.Certificate) (SGXExtensions, error) {
	var rawExtension []byte
	for _, ext := range pckCert.Extensions {
		if ext.Id.Equal(SGXExtensionOID) {
			rawExtension = ext.Value
			break
		}
	}
	if len(rawExtension) == 0 {
		return SGXExtensions{}, errors.New("no SGX extension found in certificate")
	}

	var entries []sgxExtensionEntry
	if rest, err := asn1.Unmarshal(rawExtension, &entries); err != nil {
		return SGXExtensions{}, fmt.Errorf("unmarshaling SGX extension: %w", err)
	} else if len(rest) != 0 {
		return SGXExtensions{}, errors.New("trailing data after SGX extension")
	}

	var ext SGXExtensions
	var havePPID, haveTCB, havePCEID, haveFMSPC bool
	for _, entry := range entries {
		switch {
		case entry.OID.Equal(oidPPID):
			if err := copyOctetString(ext.PPID[:], entry.Value, "PPID"); err != nil {
				return SGXExtensions{}, err
			}
			havePPID = true
		case entry.OID.Equal(oidTCB):
			tcb, err := parsePCKTCB(entry.Value)
			if err != nil {
				return SGXExtensions{}, err
			}
			ext.TCB = tcb
			haveTCB = true
		case entry.OID.Equal(oidPCEID):
			if err := copyOctetString(ext.PCEID[:], entry.Value, "PCEID"); err != nil {
				return SGXExtensions{}, err
			}
			havePCEID = true
		case entry.OID.Equal(oidFMSPC):
			if err := copyOctetString(ext.FMSPC[:], entry.Value, "FMSPC"); err != nil {
				return SGXExtensions{}, err
			}
			haveFMSPC = true
		case entry.OID.Equal(oidSGXType):
			sgxType, err := parseASN1Int(entry.Value)
			if err != nil {
				return SGXExtensions{}, fmt.Errorf("parsing SGXType: %w", err)
			}
			ext.SGXType = sgxType
		}
		// PlatformInstanceID and Configuration entries of multi-package
		// platforms are ignored, the verifier does not use them.
	}

	if !havePPID || !haveTCB || !havePCEID || !haveFMSPC {
		return SGXExtensions{}, errors.New("SGX extension is missing required fields")
	}

	return ext, nil
}

// parsePCKTCB parses the nested TCB sequence of the SGX extension.
func parsePCKTCB(value asn1.RawValue) (PCKTCB, error) {
	var entries []sgxExtensionEntry
	if _, err := asn1.Unmarshal(value.FullBytes, &entries); err != nil {
		return PCKTCB{}, fmt.Errorf("unmarshaling TCB extension: %w", err)
	}

	var tcb PCKTCB
	seen := 0
	for _, entry := range entries {
		switch {
		case entry.OID.Equal(oidTCBPCESVN):
			pceSVN, err := parseASN1Int(entry.Value)
			if err != nil {
				return PCKTCB{}, fmt.Errorf("parsing PCESVN: %w", err)
			}
			tcb.PCESVN = uint16(pceSVN)
			seen++
		case entry.OID.Equal(oidTCBCPUSVN):
			if err := copyOctetString(tcb.CPUSVN[:], entry.Value, "CPUSVN"); err != nil {
				return PCKTCB{}, err
			}
			seen++
		default:
			// component SVNs use OIDs ...2.1 through ...2.16
			componentOID := entry.OID
			if len(componentOID) != len(oidTCB)+1 {
				continue
			}
			component := componentOID[len(componentOID)-1]
			if component < 1 || component > 16 {
				continue
			}
			svn, err := parseASN1Int(entry.Value)
			if err != nil {
				return PCKTCB{}, fmt.Errorf("parsing TCB component %d SVN: %w", component, err)
			}
			if svn < 0 || svn > 255 {
				return PCKTCB{}, fmt.Errorf("TCB component %d SVN out of range: %d", component, svn)
			}
			tcb.TCBSVN[component-1] = byte(svn)
			seen++
		}
	}

	if seen != 18 {
		return PCKTCB{}, fmt.Errorf("TCB extension has %d of 18 expected fields", seen)
	}
	return tcb, nil
}

func copyOctetString(dst []byte, value asn1.RawValue, name string) error {
	if value.Class != asn1.ClassUniversal || value.Tag != asn1.TagOctetString || value.IsCompound {
		return fmt.Errorf("%s is not an octet string", name)
	}
	if len(value.Bytes) != len(dst) {
		return fmt.Errorf("invalid %s length: %d", name, len(value.Bytes))
	}
	copy(dst, value.Bytes)
	return nil
}

func parseASN1Int(value asn1.RawValue) (int, error) {
	if value.Tag == asn1.TagEnum {
		var out asn1.Enumerated
		if _, err := asn1.Unmarshal(value.FullBytes, &out); err != nil {
			return 0, err
		}
		return int(out), nil
	}
	var out int
	if _, err := asn1.Unmarshal(value.FullBytes, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// MarshalPCKSGXExtensions encodes SGX extensions into their ASN.1 form as
// placed in a PCK certificate. Used when generating synthetic PCK
// certificates for tests and mock quoting.
func MarshalPCKSGXExtensions(ext SGXExtensions) ([]byte, error) {
	var entries []byte

	appendOctet := func(oid asn1.ObjectIdentifier, value []byte) error {
		encoded, err := asn1.Marshal(struct {
			OID   asn1.ObjectIdentifier
			Value []byte
		}{oid, value})
		if err != nil {
			return err
		}
		entries = append(entries, encoded...)
		return nil
	}
	appendInt := func(oid asn1.ObjectIdentifier, value int) error {
		encoded, err := asn1.Marshal(struct {
			OID   asn1.ObjectIdentifier
			Value int
		}{oid, value})
		if err != nil {
			return err
		}
		entries = append(entries, encoded...)
		return nil
	}

	if err := appendOctet(oidPPID, ext.PPID[:]); err != nil {
		return nil, err
	}

	var tcbEntries []byte
	for i := 0; i < 16; i++ {
		componentOID := append(asn1.ObjectIdentifier{}, oidTCB...)
		componentOID = append(componentOID, i+1)
		encoded, err := asn1.Marshal(struct {
			OID   asn1.ObjectIdentifier
			Value int
		}{componentOID, int(ext.TCB.TCBSVN[i])})
		if err != nil {
			return nil, err
		}
		tcbEntries = append(tcbEntries, encoded...)
	}
	encodedPCESVN, err := asn1.Marshal(struct {
		OID   asn1.ObjectIdentifier
		Value int
	}{oidTCBPCESVN, int(ext.TCB.PCESVN)})
	if err != nil {
		return nil, err
	}
	tcbEntries = append(tcbEntries, encodedPCESVN...)
	encodedCPUSVN, err := asn1.Marshal(struct {
		OID   asn1.ObjectIdentifier
		Value []byte
	}{oidTCBCPUSVN, ext.TCB.CPUSVN[:]})
	if err != nil {
		return nil, err
	}
	tcbEntries = append(tcbEntries, encodedCPUSVN...)

	tcbSequence, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: tcbEntries})
	if err != nil {
		return nil, err
	}
	tcbEntry, err := asn1.Marshal(struct {
		OID   asn1.ObjectIdentifier
		Value asn1.RawValue
	}{oidTCB, asn1.RawValue{FullBytes: tcbSequence}})
	if err != nil {
		return nil, err
	}
	entries = append(entries, tcbEntry...)

	if err := appendOctet(oidPCEID, ext.PCEID[:]); err != nil {
		return nil, err
	}
	if err := appendOctet(oidFMSPC, ext.FMSPC[:]); err != nil {
		return nil, err
	}
	if err := appendInt(oidSGXType, ext.SGXType); err != nil {
		return nil, err
	}

	return asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: entries})
}
