package emv

import (
	"errors"
	"fmt"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// PSEName is the DF name of the contact Payment System Environment.
const PSEName = "1PAY.SYS.DDF01"

// MaxDirectoryRecords bounds the records read from the directory file.
const MaxDirectoryRecords = 30

// ErrNoDirectory is returned when the PSE does not announce a directory SFI.
var ErrNoDirectory = errors.New("PSE has no directory SFI")

// Candidate is an application found in the directory, with the FCI it returned on selection.
type Candidate struct {
	Entry ApplicationTemplate
	FCI   *FCI
	// Status is the SELECT status; FCI is nil unless it is a success.
	Status iso7816.StatusWord
}

// Discover runs the PSE flow: SELECT the PSE, read its directory records until the card
// answers 'Record Not Found', then SELECT every application listed.
func Discover(client *iso7816.Client, cla iso7816.Class) ([]Candidate, error) {
	pse, err := selectFCI(client, cla, []byte(PSEName))
	if err != nil {
		return nil, fmt.Errorf("select PSE: %w", err)
	}
	sfi := pse.SFI()
	if sfi == 0 {
		return nil, ErrNoDirectory
	}

	entries, err := ReadDirectory(client, cla, sfi)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		c := Candidate{Entry: entry}
		trace, err := client.Send(iso7816.SelectByAID(cla, entry.AID))
		if err != nil {
			return candidates, fmt.Errorf("select %X: %w", entry.AID, err)
		}
		last := trace.Last().Response
		c.Status = last.Status
		if last.Status.IsSuccess() {
			if c.FCI, err = ParseFCI(last.Data); err != nil {
				return candidates, fmt.Errorf("select %X: %w", entry.AID, err)
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// ReadDirectory reads the directory records of sfi and returns their application templates.
func ReadDirectory(client *iso7816.Client, cla iso7816.Class, sfi byte) ([]ApplicationTemplate, error) {
	var apps []ApplicationTemplate
	for n := byte(1); n <= MaxDirectoryRecords; n++ {
		trace, err := client.Send(iso7816.ReadRecord(cla, sfi, n))
		if err != nil {
			return apps, fmt.Errorf("read record %d: %w", n, err)
		}

		last := trace.Last().Response
		if last.Status == iso7816.SW_ERR_RECORD_NOT_FOUND {
			return apps, nil
		}
		if err := last.Status.Err(); err != nil {
			return apps, fmt.Errorf("read record %d: %w", n, err)
		}

		record, err := ParseDirectoryRecord(last.Data)
		if err != nil {
			return apps, fmt.Errorf("record %d: %w", n, err)
		}
		apps = append(apps, record.Applications...)
	}
	return apps, nil
}

func selectFCI(client *iso7816.Client, cla iso7816.Class, name []byte) (*FCI, error) {
	trace, err := client.Send(iso7816.SelectByAID(cla, name))
	if err != nil {
		return nil, err
	}
	last := trace.Last().Response
	if err := last.Status.Err(); err != nil {
		return nil, err
	}
	return ParseFCI(last.Data)
}
