// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package dicomindex

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

// Attributes requested for every series.
var seriesAttributes = []struct {
	Tag     string
	Keyword string
}{
	{"0020000D", "StudyInstanceUID"},
	{"00100010", "PatientName"},
	{"0008103E", "SeriesDescription"},
	{"00200011", "SeriesNumber"},
	{"00200010", "StudyID"},
	{"00100020", "PatientID"},
	{"00100040", "PatientSex"},
}

type nativeModel struct {
	Attributes []dicomAttribute `xml:"DicomAttribute"`
}

type dicomAttribute struct {
	Tag     string `xml:"tag,attr"`
	VR      string `xml:"vr,attr"`
	Keyword string `xml:"keyword,attr"`
	Inner   []byte `xml:",innerxml"`
}

// ParseResponse parses one findscu response in the native DICOM XML model.
func ParseResponse(data []byte) (SeriesRecord, error) {
	var model nativeModel
	if err := xml.Unmarshal(data, &model); err != nil {
		return SeriesRecord{}, ErrParse.Wrap(err)
	}

	values := make(map[string]string, len(seriesAttributes))
	for _, want := range seriesAttributes {
		attr, ok := model.find(want.Tag, want.Keyword)
		if !ok {
			return SeriesRecord{}, ErrParse.New("missing expected field %s", want.Keyword)
		}
		value, err := attr.value()
		if err != nil {
			return SeriesRecord{}, err
		}
		values[want.Keyword] = value
	}

	number, err := strconv.Atoi(strings.TrimSpace(values["SeriesNumber"]))
	if err != nil {
		return SeriesRecord{}, ErrParse.New("invalid series number %q", values["SeriesNumber"])
	}
	if values["StudyInstanceUID"] == "" {
		return SeriesRecord{}, ErrParse.New("empty StudyInstanceUID")
	}

	return SeriesRecord{
		StudyInstanceUID:  values["StudyInstanceUID"],
		PatientName:       values["PatientName"],
		PatientID:         values["PatientID"],
		PatientSex:        values["PatientSex"],
		StudyID:           values["StudyID"],
		SeriesDescription: values["SeriesDescription"],
		SeriesNumber:      number,
	}, nil
}

func (model *nativeModel) find(tag, keyword string) (dicomAttribute, bool) {
	for _, attr := range model.Attributes {
		if strings.EqualFold(attr.Tag, tag) {
			return attr, true
		}
	}
	for _, attr := range model.Attributes {
		if attr.Keyword == keyword {
			return attr, true
		}
	}
	return dicomAttribute{}, false
}

// value returns the first value of the attribute. Person names are
// nested, in which case the first element with text is used.
func (attr dicomAttribute) value() (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(attr.Inner))
	depth := 0
	inValue := false
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", ErrParse.Wrap(err)
		}
		switch token := token.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 && token.Name.Local == "Value" {
				inValue = true
			}
		case xml.EndElement:
			if depth == 1 && inValue {
				// empty <Value/>
				return "", nil
			}
			depth--
		case xml.CharData:
			text := strings.TrimSpace(string(token))
			if text == "" {
				continue
			}
			if attr.VR == "PN" && depth > 0 {
				return text, nil
			}
			if inValue && depth == 1 {
				return text, nil
			}
		}
	}
	if attr.VR == "PN" {
		return "", ErrParse.New("person name %s without text", attr.Keyword)
	}
	return "", nil
}
