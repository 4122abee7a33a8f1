package exchange

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var ErrMalformedMessage = errors.New("message must look like <CODE> /<TYPE>")

var messagePattern = regexp.MustCompile(`^\s*([A-Za-z0-9-]{4,64})\s*/\s*(\d{1,4})\s*$`)

// ParseMessage splits an inbound message into the card code and its numeric
// type tag. Codes are upper-cased.
func ParseMessage(msg string) (code string, cardType int, err error) {
	m := messagePattern.FindStringSubmatch(msg)
	if m == nil {
		return "", 0, ErrMalformedMessage
	}
	cardType, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, ErrMalformedMessage
	}
	return strings.ToUpper(m[1]), cardType, nil
}
