// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package dicomindex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleResponse = `<?xml version="1.0" encoding="UTF-8"?>
<NativeDicomModel xml:space="preserve">
<DicomAttribute keyword="SeriesDescription" tag="0008103E" vr="LO"><Value number="1">T1w MPRAGE</Value></DicomAttribute>
<DicomAttribute keyword="PatientName" tag="00100010" vr="PN"><PersonName number="1"><Alphabetic><FamilyName>2023_06_15_P001</FamilyName></Alphabetic></PersonName></DicomAttribute>
<DicomAttribute keyword="PatientID" tag="00100020" vr="LO"><Value number="1">P001</Value></DicomAttribute>
<DicomAttribute keyword="PatientSex" tag="00100040" vr="CS"><Value number="1">F</Value></DicomAttribute>
<DicomAttribute keyword="StudyInstanceUID" tag="0020000D" vr="UI"><Value number="1">1.2.840.1</Value></DicomAttribute>
<DicomAttribute keyword="StudyID" tag="00200010" vr="SH"/>
<DicomAttribute keyword="SeriesNumber" tag="00200011" vr="IS"><Value number="1">7</Value></DicomAttribute>
</NativeDicomModel>`

func TestParseResponse(t *testing.T) {
	record, err := ParseResponse([]byte(sampleResponse))
	require.NoError(t, err)
	require.Equal(t, SeriesRecord{
		StudyInstanceUID:  "1.2.840.1",
		PatientName:       "2023_06_15_P001",
		PatientID:         "P001",
		PatientSex:        "F",
		StudyID:           "",
		SeriesDescription: "T1w MPRAGE",
		SeriesNumber:      7,
	}, record)
}

func TestParseResponseRejects(t *testing.T) {
	missing := strings.Replace(sampleResponse,
		`<DicomAttribute keyword="PatientSex" tag="00100040" vr="CS"><Value number="1">F</Value></DicomAttribute>`, "", 1)
	_, err := ParseResponse([]byte(missing))
	require.True(t, ErrParse.Has(err))

	badNumber := strings.Replace(sampleResponse, `<Value number="1">7</Value>`, `<Value number="1">seven</Value>`, 1)
	_, err = ParseResponse([]byte(badNumber))
	require.True(t, ErrParse.Has(err))

	emptyName := strings.Replace(sampleResponse, `<FamilyName>2023_06_15_P001</FamilyName>`, ``, 1)
	_, err = ParseResponse([]byte(emptyName))
	require.True(t, ErrParse.Has(err))

	_, err = ParseResponse([]byte("<NativeDicomModel"))
	require.True(t, ErrParse.Has(err))
}
