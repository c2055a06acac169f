package exi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// dateTime holds the components of an xs:dateTime as EXI encodes them.
type dateTime struct {
	year                 int
	month, day           int
	hour, minute, second int
	// frac is the fractional seconds digits, without trailing zeros.
	frac string
	// tz is the offset in minutes when hasTZ is set.
	tz    int
	hasTZ bool
}

// timezoneBias is added to TZHours*64+TZMinutes to make it unsigned.
const timezoneBias = 896

// readDateTime decodes Year (Integer offset from 2000), MonthDay (9 bits),
// Time (17 bits), optional FractionalSecs (reversed digits) and optional
// TimeZone (11 bits).
func (s *bitStream) readDateTime() (string, error) {
	at := s.pos
	var dt dateTime

	neg, err := s.readBool()
	if err != nil {
		return "", err
	}
	mag, err := s.readUint()
	if err != nil {
		return "", err
	}
	if mag > 9999 {
		return "", &DecodeError{Bit: at, Reason: "dateTime year out of range"}
	}
	dt.year = 2000 + int(mag)
	if neg {
		dt.year = 2000 - int(mag) - 1
	}

	md, err := s.read(9)
	if err != nil {
		return "", err
	}
	dt.month, dt.day = int(md/32), int(md%32)

	t, err := s.read(17)
	if err != nil {
		return "", err
	}
	dt.hour, dt.minute, dt.second = int(t/4096), int(t/64%64), int(t%64)

	hasFrac, err := s.readBool()
	if err != nil {
		return "", err
	}
	if hasFrac {
		f, err := s.readUint()
		if err != nil {
			return "", err
		}
		dt.frac = reverse(strconv.FormatUint(f, 10))
	}

	dt.hasTZ, err = s.readBool()
	if err != nil {
		return "", err
	}
	if dt.hasTZ {
		v, err := s.read(11)
		if err != nil {
			return "", err
		}
		dt.tz = int(v) - timezoneBias
	}

	if err := dt.validate(); err != nil {
		return "", &DecodeError{Bit: at, Reason: err.Error()}
	}
	return dt.String(), nil
}

func (dt dateTime) validate() error {
	switch {
	case dt.month < 1 || dt.month > 12:
		return fmt.Errorf("dateTime month %d out of range", dt.month)
	case dt.day < 1 || dt.day > 31:
		return fmt.Errorf("dateTime day %d out of range", dt.day)
	case dt.hour > 24 || dt.minute > 59 || dt.second > 60:
		return fmt.Errorf("dateTime time %02d:%02d:%02d out of range", dt.hour, dt.minute, dt.second)
	}
	if dt.hasTZ {
		h, m := tzParts(dt.tz)
		if h > 14 || m > 59 || h == 14 && m > 0 {
			return fmt.Errorf("dateTime timezone offset %d out of range", dt.tz)
		}
	}
	return nil
}

func tzParts(tz int) (h, m int) {
	if tz < 0 {
		tz = -tz
	}
	return tz / 64, tz % 64
}

func (dt dateTime) String() string {
	var b strings.Builder
	if dt.year < 0 {
		fmt.Fprintf(&b, "-%04d", -dt.year)
	} else {
		fmt.Fprintf(&b, "%04d", dt.year)
	}
	fmt.Fprintf(&b, "-%02d-%02dT%02d:%02d:%02d", dt.month, dt.day, dt.hour, dt.minute, dt.second)
	if dt.frac != "" {
		b.WriteString("." + dt.frac)
	}
	if dt.hasTZ {
		if dt.tz == 0 {
			b.WriteString("Z")
		} else {
			sign := byte('+')
			if dt.tz < 0 {
				sign = '-'
			}
			h, m := tzParts(dt.tz)
			fmt.Fprintf(&b, "%c%02d:%02d", sign, h, m)
		}
	}
	return b.String()
}

var dateTimeRe = regexp.MustCompile(`^(-?\d{4,})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})(?:\.(\d+))?(Z|[+-]\d{2}:\d{2})?$`)

func parseDateTime(v string) (dateTime, error) {
	m := dateTimeRe.FindStringSubmatch(v)
	if m == nil {
		return dateTime{}, fmt.Errorf("exi: invalid dateTime %q", v)
	}
	var dt dateTime
	dt.year, _ = strconv.Atoi(m[1])
	dt.month, _ = strconv.Atoi(m[2])
	dt.day, _ = strconv.Atoi(m[3])
	dt.hour, _ = strconv.Atoi(m[4])
	dt.minute, _ = strconv.Atoi(m[5])
	dt.second, _ = strconv.Atoi(m[6])
	dt.frac = strings.TrimRight(m[7], "0")

	switch tz := m[8]; {
	case tz == "Z":
		dt.hasTZ = true
	case tz != "":
		h, _ := strconv.Atoi(tz[1:3])
		mm, _ := strconv.Atoi(tz[4:6])
		dt.tz = h*64 + mm
		if tz[0] == '-' {
			dt.tz = -dt.tz
		}
		dt.hasTZ = true
	}

	if err := dt.validate(); err != nil {
		return dateTime{}, fmt.Errorf("exi: %w", err)
	}
	return dt, nil
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
