// Package language detects whether text is Vietnamese or English.
package language

import "strings"

// Lang is a supported conversation language
type Lang string

const (
	Vietnamese Lang = "vi"
	English    Lang = "en"
)

// Tag returns the BCP 47 tag used by speech engines
func (l Lang) Tag() string {
	if l == Vietnamese {
		return "vi-VN"
	}
	return "en-US"
}

// ParseLang normalizes a stored preference value, defaulting to English
func ParseLang(s string) Lang {
	if strings.EqualFold(strings.TrimSpace(s), string(Vietnamese)) {
		return Vietnamese
	}
	return English
}

// Vietnamese letters with diacritics. Any single occurrence is decisive.
const vietnameseLetters = "àáạảãâầấậẩẫăằắặẳẵèéẹẻẽêềếệểễìíịỉĩòóọỏõôồốộổỗơờớợởỡùúụủũưừứựửữỳýỵỷỹđ" +
	"ÀÁẠẢÃÂẦẤẬẨẪĂẰẮẶẲẴÈÉẸẺẼÊỀẾỆỂỄÌÍỊỈĨÒÓỌỎÕÔỒỐỘỔỖƠỜỚỢỞỠÙÚỤỦŨƯỪỨỰỬỮỲÝỴỶỸĐ"

// Common Vietnamese words. The ASCII entries ("xin", "cho", "lo")
// catch short messages typed without diacritics.
var vietnameseWords = map[string]struct{}{
	"tôi": {}, "bạn": {}, "là": {}, "của": {}, "và": {}, "có": {}, "không": {},
	"được": {}, "này": {}, "đó": {}, "với": {}, "trong": {}, "cho": {}, "về": {},
	"từ": {}, "một": {}, "hai": {}, "ba": {}, "bốn": {}, "năm": {}, "sáu": {},
	"bảy": {}, "tám": {}, "chín": {}, "mười": {}, "xin": {}, "chào": {},
	"cảm": {}, "ơn": {}, "làm": {}, "gì": {}, "như": {}, "thế": {}, "nào": {},
	"khi": {}, "ở": {}, "đâu": {}, "sao": {}, "tại": {}, "vì": {},
	"nên": {}, "phải": {}, "cần": {}, "muốn": {}, "thích": {}, "yêu": {},
	"ghét": {}, "đẹp": {}, "xấu": {}, "tốt": {}, "lớn": {}, "nhỏ": {},
	"cao": {}, "thấp": {}, "nhanh": {}, "chậm": {}, "mới": {}, "cũ": {},
	"trẻ": {}, "già": {}, "khỏe": {}, "ốm": {}, "vui": {}, "buồn": {},
	"hạnh": {}, "phúc": {}, "lo": {}, "lắng": {}, "căng": {}, "thẳng": {},
	"áp": {}, "lực": {}, "học": {}, "tập": {}, "việc": {}, "gia": {},
	"đình": {}, "bè": {}, "thương": {}, "tình": {}, "cảnh": {}, "tâm": {},
	"lý": {}, "sức": {}, "bệnh": {}, "tật": {}, "thuốc": {}, "bác": {},
	"sĩ": {}, "thầy": {}, "cô": {}, "giáo": {}, "viên": {}, "sinh": {},
	"trường": {}, "lớp": {}, "môn": {}, "bài": {}, "kiểm": {}, "tra": {},
	"thi": {}, "cử": {}, "điểm": {}, "số": {}, "kết": {}, "quả": {},
	"thành": {}, "tích": {}, "công": {}, "thất": {}, "bại": {}, "khó": {},
	"khăn": {}, "vấn": {}, "đề": {}, "giải": {}, "pháp": {}, "cách": {},
	"thức": {}, "phương": {},
}

// Detect classifies text as Vietnamese or English.
// Vietnamese wins on any diacritic character or any common Vietnamese word;
// everything else is treated as English.
func Detect(text string) Lang {
	if strings.ContainsAny(text, vietnameseLetters) {
		return Vietnamese
	}

	lower := strings.ToLower(text)
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' ||
			r == '!' || r == '?' || r == ';' || r == ':' || r == '"' || r == '\''
	}) {
		if _, ok := vietnameseWords[word]; ok {
			return Vietnamese
		}
	}

	return English
}
