package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export renders entries in the requested format
func Export(entries []*ComplianceEntry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON, "":
		return json.MarshalIndent(entries, "", "  ")
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportNDJSON(entries []*ComplianceEntry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

func exportCSV(entries []*ComplianceEntry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"CreatedAt",
		"Kind",
		"Operation",
		"Category",
		"SubjectID",
		"OperatorID",
		"SessionID",
		"Purpose",
		"LegalBasis",
		"Fields",
		"Sensitive",
		"Violation",
		"ViolationReason",
		"IPAddress",
		"RequestID",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Kind),
			string(e.Operation),
			string(e.Category),
			e.SubjectID,
			formatInt64Ptr(e.OperatorID),
			e.SessionID,
			e.Purpose,
			e.LegalBasis,
			strings.Join(e.Fields, ";"),
			strconv.FormatBool(e.Sensitive),
			strconv.FormatBool(e.Violation),
			e.ViolationReason,
			e.IPAddress,
			e.RequestID,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
