package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
	"github.com/edgelesssys/go-sgx-ratls/verification/status"
)

const (
	// TCBInfoSGXID indicates that the TCB Info is for an SGX platform.
	TCBInfoSGXID = "SGX"

	// TCBInfoMinVersion is the minimal supported TCB Info version.
	TCBInfoMinVersion = 3

	// QEIdentityVersion is the pinned version of the QE Identity information
	// returned by the PCS.
	QEIdentityVersion = 2

	// QEIdentitySGXID indicates that the QE Identity is for the SGX quoting
	// enclave.
	QEIdentitySGXID = "QE"
)

// TCBInfo contains the TCB levels Intel currently publishes for an SGX
// platform type (identified by FMSPC), with a status per level.
type TCBInfo struct {
	ID                      string     `json:"id"`
	Version                 uint32     `json:"version"`
	IssueDate               time.Time  `json:"issueDate"`
	NextUpdate              time.Time  `json:"nextUpdate"`
	FMSPC                   [6]byte    `json:"fmspc"`
	PCEID                   [2]byte    `json:"pceid"`
	TCBType                 int        `json:"tcbType"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

// UnmarshalJSON parses a JSON representation of the TCB Info into a TCBInfo.
func (t *TCBInfo) UnmarshalJSON(data []byte) error {
	var tcbInfoJSON tcbInfoJSON
	if err := json.Unmarshal(data, &tcbInfoJSON); err != nil {
		return fmt.Errorf("unmarshaling TCB Info JSON: %w", err)
	}
	var err error

	t.ID = tcbInfoJSON.ID
	t.Version = tcbInfoJSON.Version

	t.IssueDate, err = time.Parse(time.RFC3339, tcbInfoJSON.IssueDate)
	if err != nil {
		return fmt.Errorf("parsing TCBInfo issue date: %w", err)
	}
	t.NextUpdate, err = time.Parse(time.RFC3339, tcbInfoJSON.NextUpdate)
	if err != nil {
		return fmt.Errorf("parsing TCBInfo next update date: %w", err)
	}

	fmspc, err := decodeHexToByte(tcbInfoJSON.FMSPC, 6)
	if err != nil {
		return fmt.Errorf("decoding FMSPC: %w", err)
	}
	t.FMSPC = [6]byte(fmspc)

	pceid, err := decodeHexToByte(tcbInfoJSON.PCEID, 2)
	if err != nil {
		return fmt.Errorf("decoding PCEID: %w", err)
	}
	t.PCEID = [2]byte(pceid)

	t.TCBType = tcbInfoJSON.TCBType
	t.TCBEvaluationDataNumber = tcbInfoJSON.TCBEvaluationDataNumber
	t.TCBLevels = tcbInfoJSON.TCBLevels

	return nil
}

// GetTCBStatus classifies a platform TCB against the published levels.
// Levels are published in descending order; the first level whose component
// SVNs and PCE SVN are all covered by the platform's values determines the
// status. A platform below every published level is treated as revoked.
func (t *TCBInfo) GetTCBStatus(tcbSVN [16]byte, pceSVN uint16) (status.TCBStatus, []string) {
	for _, level := range t.TCBLevels {
		if level.TCB.coveredBy(tcbSVN, pceSVN) {
			return level.TCBStatus, level.AdvisoryIDs
		}
	}
	return status.Revoked, nil
}

// tcbInfoJSON is the JSON representation of the TCB Info using basic strings
// and ints.
type tcbInfoJSON struct {
	ID                      string     `json:"id"`
	Version                 uint32     `json:"version"`
	IssueDate               string     `json:"issueDate"`
	NextUpdate              string     `json:"nextUpdate"`
	FMSPC                   string     `json:"fmspc"`
	PCEID                   string     `json:"pceid"`
	TCBType                 int        `json:"tcbType"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

// QEIdentity contains the expected identity of the SGX quoting enclave:
// the allow-list a quote's QE report is checked against.
type QEIdentity struct {
	ID                      string     `json:"id"`
	Version                 uint32     `json:"version"`
	IssueDate               time.Time  `json:"issueDate"`
	NextUpdate              time.Time  `json:"nextUpdate"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	MiscSelect              uint32     `json:"miscselect"`
	MiscSelectMask          uint32     `json:"miscselectMask"`
	Attributes              [16]byte   `json:"attributes"`
	AttributesMask          [16]byte   `json:"attributesMask"`
	MRSIGNER                [32]byte   `json:"mrsigner"`
	ISVProdID               uint16     `json:"isvprodid"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

// UnmarshalJSON parses a JSON representation of the QE Identity into a QEIdentity.
func (q *QEIdentity) UnmarshalJSON(data []byte) error {
	var qeIdentity qeIdentityJSON
	if err := json.Unmarshal(data, &qeIdentity); err != nil {
		return fmt.Errorf("unmarshaling QE Identity JSON: %w", err)
	}

	var err error
	q.ID = qeIdentity.ID
	q.Version = qeIdentity.Version
	q.IssueDate, err = time.Parse(time.RFC3339, qeIdentity.IssueDate)
	if err != nil {
		return fmt.Errorf("parsing QEIdentity issue date: %w", err)
	}
	q.NextUpdate, err = time.Parse(time.RFC3339, qeIdentity.NextUpdate)
	if err != nil {
		return fmt.Errorf("parsing QEIdentity next update date: %w", err)
	}
	q.TCBEvaluationDataNumber = qeIdentity.TCBEvaluationDataNumber

	miscSelect, err := decodeHexToByte(qeIdentity.MiscSelect, 4)
	if err != nil {
		return fmt.Errorf("decoding MiscSelect: %w", err)
	}
	q.MiscSelect = binary.LittleEndian.Uint32(miscSelect)
	miscSelectMask, err := decodeHexToByte(qeIdentity.MiscSelectMask, 4)
	if err != nil {
		return fmt.Errorf("decoding MiscSelectMask: %w", err)
	}
	q.MiscSelectMask = binary.LittleEndian.Uint32(miscSelectMask)

	attributes, err := decodeHexToByte(qeIdentity.Attributes, 16)
	if err != nil {
		return fmt.Errorf("decoding Attributes: %w", err)
	}
	q.Attributes = [16]byte(attributes)
	attributesMask, err := decodeHexToByte(qeIdentity.AttributesMask, 16)
	if err != nil {
		return fmt.Errorf("decoding AttributesMask: %w", err)
	}
	q.AttributesMask = [16]byte(attributesMask)

	mrSigner, err := decodeHexToByte(qeIdentity.MRSIGNER, 32)
	if err != nil {
		return fmt.Errorf("decoding MRSIGNER: %w", err)
	}
	q.MRSIGNER = [32]byte(mrSigner)

	q.ISVProdID = qeIdentity.ISVProdID
	q.TCBLevels = qeIdentity.TCBLevels

	return nil
}

// VerifyReport checks a quote's QE report against the expected QE identity:
// MRSIGNER, ISVProdID, and the masked miscselect and attributes values.
func (q *QEIdentity) VerifyReport(report *sgx.ReportBody) error {
	if !bytes.Equal(report.MRSIGNER[:], q.MRSIGNER[:]) {
		return fmt.Errorf("QE report MRSIGNER (%x) does not match QE Identity (%x)", report.MRSIGNER, q.MRSIGNER)
	}
	if report.ISVProdID != q.ISVProdID {
		return fmt.Errorf("QE report ISVProdID (%d) does not match QE Identity (%d)", report.ISVProdID, q.ISVProdID)
	}
	if report.MiscSelect&q.MiscSelectMask != q.MiscSelect&q.MiscSelectMask {
		return fmt.Errorf("masked QE report MISCSELECT (%x) does not match QE Identity (%x)", report.MiscSelect&q.MiscSelectMask, q.MiscSelect&q.MiscSelectMask)
	}

	flagsMask := binary.LittleEndian.Uint64(q.AttributesMask[0:8])
	xfrmMask := binary.LittleEndian.Uint64(q.AttributesMask[8:16])
	expectedFlags := binary.LittleEndian.Uint64(q.Attributes[0:8])
	expectedXFRM := binary.LittleEndian.Uint64(q.Attributes[8:16])
	if report.Attributes.Flags&flagsMask != expectedFlags&flagsMask {
		return fmt.Errorf("masked QE report attribute flags (%x) do not match QE Identity (%x)", report.Attributes.Flags&flagsMask, expectedFlags&flagsMask)
	}
	if report.Attributes.XFRM&xfrmMask != expectedXFRM&xfrmMask {
		return fmt.Errorf("masked QE report attribute XFRM (%x) does not match QE Identity (%x)", report.Attributes.XFRM&xfrmMask, expectedXFRM&xfrmMask)
	}

	return nil
}

// GetTCBStatus returns the TCB status from the QE Identity for the given QE
// ISV SVN. Levels are published in descending SVN order; a QE below every
// published level is treated as revoked.
func (q *QEIdentity) GetTCBStatus(isvSVN uint16) status.TCBStatus {
	for _, tcbLevel := range q.TCBLevels {
		if isvSVN >= tcbLevel.TCB.ISVSVN {
			return tcbLevel.TCBStatus
		}
	}
	return status.Revoked
}

// qeIdentityJSON is the JSON representation of the QE Identity using basic
// strings and ints.
type qeIdentityJSON struct {
	ID                      string     `json:"id"`
	Version                 uint32     `json:"version"`
	IssueDate               string     `json:"issueDate"`
	NextUpdate              string     `json:"nextUpdate"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	MiscSelect              string     `json:"miscselect"`
	MiscSelectMask          string     `json:"miscselectMask"`
	Attributes              string     `json:"attributes"`
	AttributesMask          string     `json:"attributesMask"`
	MRSIGNER                string     `json:"mrsigner"`
	ISVProdID               uint16     `json:"isvprodid"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

// TCBLevel is one published TCB level with its status.
type TCBLevel struct {
	TCB         TCB              `json:"tcb"`
	TCBDate     time.Time        `json:"tcbDate"`
	TCBStatus   status.TCBStatus `json:"tcbStatus"`
	AdvisoryIDs []string         `json:"advisoryIDs"`
}

// UnmarshalJSON parses a JSON representation of the TCB Level into a TCBLevel.
func (t *TCBLevel) UnmarshalJSON(data []byte) error {
	var tcbLevel tcbLevelJSON
	if err := json.Unmarshal(data, &tcbLevel); err != nil {
		return fmt.Errorf("unmarshaling TCB Level JSON: %w", err)
	}

	t.TCB = tcbLevel.TCB
	tcbDate, err := time.Parse(time.RFC3339, tcbLevel.TCBDate)
	if err != nil {
		return fmt.Errorf("parsing TCB Date: %w", err)
	}
	t.TCBDate = tcbDate
	if err := t.TCBStatus.UnmarshalText([]byte(tcbLevel.TCBStatus)); err != nil {
		return fmt.Errorf("parsing TCB status: %w", err)
	}
	t.AdvisoryIDs = tcbLevel.AdvisoryIDs

	return nil
}

// tcbLevelJSON is the JSON representation of a TCB Level using basic strings
// and ints.
type tcbLevelJSON struct {
	TCB         TCB      `json:"tcb"`
	TCBDate     string   `json:"tcbDate"`
	TCBStatus   string   `json:"tcbStatus"`
	AdvisoryIDs []string `json:"advisoryIDs"`
}

// TCB identifies one TCB level: component SVNs and PCE SVN for platform
// levels (TCB Info), ISV SVN for quoting enclave levels (QE Identity).
type TCB struct {
	SGXTCBComponents [16]TCBComponent `json:"sgxtcbcomponents"`
	PCESVN           uint16           `json:"pcesvn"`
	ISVSVN           uint16           `json:"isvsvn"`
}

// coveredBy reports whether a platform at the given component SVNs and PCE
// SVN meets this TCB level.
func (t *TCB) coveredBy(tcbSVN [16]byte, pceSVN uint16) bool {
	for i, component := range t.SGXTCBComponents {
		if tcbSVN[i] < component.SVN {
			return false
		}
	}
	return pceSVN >= t.PCESVN
}

// TCBComponent describes the SVN of one TCB component.
type TCBComponent struct {
	SVN      uint8  `json:"svn"`
	Category string `json:"category,omitempty"`
	Type     string `json:"type,omitempty"`
}

// decodeHexToByte decodes a hex string into a byte slice.
// This function errors if the decoded string is not the expected length,
// to save the caller from having to check the length when parsing into
// fixed-size arrays.
func decodeHexToByte(in string, expectedLen int) ([]byte, error) {
	out, err := hex.DecodeString(in)
	if err != nil {
		return nil, fmt.Errorf("decoding hex string: %w", err)
	}

	if len(out) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, but got %d", expectedLen, len(out))
	}

	return out, nil
}
