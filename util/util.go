// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// GetBit returns the value of a given bit in a port word
func GetBit(w uint16, bitIndex uint) bool {
	return (w & (1 << bitIndex)) != 0
}

// SetBit returns w with the given bit set high or low
func SetBit(w uint16, bitIndex uint, value bool) uint16 {
	if value {
		return w | (1 << bitIndex)
	}
	return w &^ (1 << bitIndex)
}
