package normalize

import "strings"

var soundexCodes = [26]byte{
	'0', '1', '2', '3', '0', '1', '2', '0', '0', '2', '2', '4', '5',
	'5', '0', '1', '2', '6', '2', '3', '0', '1', '0', '2', '0', '2',
}

// Soundex returns the American Soundex code of word, or "" when word has no
// ASCII letters. Non-ASCII letters and digits are ignored.
func Soundex(word string) string {
	var letters []byte
	for i := 0; i < len(word); i++ {
		c := word[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c >= 'a' && c <= 'z' {
			letters = append(letters, c)
		}
	}
	if len(letters) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteByte(letters[0] - 'a' + 'A')
	last := soundexCodes[letters[0]-'a']
	for _, c := range letters[1:] {
		if b.Len() == 4 {
			break
		}
		code := soundexCodes[c-'a']
		switch {
		case c == 'h' || c == 'w':
			// h and w do not separate equal codes
			continue
		case code == '0':
			last = '0'
		case code != last:
			b.WriteByte(code)
			last = code
		}
	}
	for b.Len() < 4 {
		b.WriteByte('0')
	}
	return b.String()
}
