package analyzer

import (
	"errors"
	"fmt"
	"strconv"
)

// paintOps lists what a content stream paints that could be a raster image.
type paintOps struct {
	XObjects []string // operands of Do, in order, without the leading slash
	Inline   bool     // BI ... ID ... EI present
}

var errUnterminated = errors.New("unterminated token")

// scanPaintOps tokenizes a content stream far enough to find Do operators
// and inline images. Strings, hex strings and comments are skipped so their
// bytes are never mistaken for operators. Scanning stops at the first inline
// image since its binary payload cannot be tokenized.
func scanPaintOps(b []byte) (paintOps, error) {
	var ops paintOps
	lastName := ""
	i := 0
	for i < len(b) {
		c := b[i]
		switch {
		case isWhitespace(c):
			i++
		case c == '%':
			for i < len(b) && b[i] != '\n' && b[i] != '\r' {
				i++
			}
		case c == '(':
			j, err := skipLiteral(b, i)
			if err != nil {
				return ops, err
			}
			i = j
			lastName = ""
		case c == '<':
			if i+1 < len(b) && b[i+1] == '<' {
				i += 2
				continue
			}
			j := i + 1
			for j < len(b) && b[j] != '>' {
				j++
			}
			if j >= len(b) {
				return ops, fmt.Errorf("hex string at %d: %w", i, errUnterminated)
			}
			i = j + 1
			lastName = ""
		case c == '>' || c == '[' || c == ']' || c == '{' || c == '}' || c == ')':
			i++
		case c == '/':
			name, j := readName(b, i+1)
			lastName = name
			i = j
		default:
			j := i
			for j < len(b) && !isWhitespace(b[j]) && !isDelimiter(b[j]) {
				j++
			}
			tok := string(b[i:j])
			i = j
			if isNumber(tok) {
				continue
			}
			switch tok {
			case "Do":
				if lastName != "" {
					ops.XObjects = append(ops.XObjects, lastName)
				}
			case "BI":
				ops.Inline = true
				return ops, nil
			}
			lastName = ""
		}
	}
	return ops, nil
}

func skipLiteral(b []byte, i int) (int, error) {
	depth := 0
	for j := i; j < len(b); j++ {
		switch b[j] {
		case '\\':
			j++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return j + 1, nil
			}
		}
	}
	return 0, fmt.Errorf("string at %d: %w", i, errUnterminated)
}

func readName(b []byte, i int) (string, int) {
	out := make([]byte, 0, 8)
	for i < len(b) && !isWhitespace(b[i]) && !isDelimiter(b[i]) {
		if b[i] == '#' && i+2 < len(b) {
			if v, err := strconv.ParseUint(string(b[i+1:i+3]), 16, 8); err == nil {
				out = append(out, byte(v))
				i += 3
				continue
			}
		}
		out = append(out, b[i])
		i++
	}
	return string(out), i
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isNumber(tok string) bool {
	if tok == "" {
		return false
	}
	_, err := strconv.ParseFloat(tok, 64)
	return err == nil
}
