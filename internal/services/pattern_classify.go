package services

import (
	"regexp"
	"strings"
	"unicode"
)

// Naming conventions recognised for custom field names.
const (
	NamingSnakeCase  = "snake_case"
	NamingPascalCase = "PascalCase"
	NamingLowercase  = "lowercase"
	NamingStandard   = "standard"
)

const customSuffix = "__c"

var (
	pascalCaseRe = regexp.MustCompile(`^[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]*)+$`)
	lowercaseRe  = regexp.MustCompile(`^[a-z][a-z0-9]*$`)
)

// baseName strips the custom suffix from an API name.
func baseName(apiName string) string {
	return strings.TrimSuffix(apiName, customSuffix)
}

// namingConvention classifies the base name of an API name.
func namingConvention(apiName string) string {
	base := baseName(apiName)
	switch {
	case strings.Contains(base, "_"):
		return NamingSnakeCase
	case pascalCaseRe.MatchString(base):
		return NamingPascalCase
	case lowercaseRe.MatchString(base):
		return NamingLowercase
	default:
		return NamingStandard
	}
}

// namingBucket is the convention plus the custom suffix, e.g. "snake_case__c".
func namingBucket(apiName string) string {
	return namingConvention(apiName) + customSuffix
}

// Semantic buckets for field names.
const (
	SemanticTemporal = "temporal"
	SemanticMonetary = "monetary"
	SemanticNumeric  = "numeric"
	SemanticEmail    = "email"
	SemanticPhone    = "phone"
	SemanticURL      = "url"
	SemanticLongText = "long-text"
	SemanticPicklist = "picklist"
	SemanticBoolean  = "boolean"
	SemanticGeneral  = "general"
)

// Checked in order against the name's word tokens; the first bucket with a matching
// keyword wins. Contact-style buckets come first because their keywords are the least
// ambiguous.
var semanticRules = []struct {
	bucket   string
	keywords []string
}{
	{SemanticEmail, []string{"email"}},
	{SemanticPhone, []string{"phone", "mobile", "fax"}},
	{SemanticURL, []string{"url", "website", "link"}},
	{SemanticMonetary, []string{"amount", "price", "cost", "revenue", "fee", "salary", "budget", "currency"}},
	{SemanticTemporal, []string{"date", "time", "datetime", "day", "month", "year", "deadline", "timestamp"}},
	{SemanticNumeric, []string{"count", "number", "num", "qty", "quantity", "score", "percent", "total"}},
	{SemanticLongText, []string{"description", "notes", "comment", "comments", "details", "summary"}},
	{SemanticPicklist, []string{"status", "type", "stage", "category", "priority", "level", "tier"}},
	{SemanticBoolean, []string{"flag", "enabled", "active"}},
}

// nameTokens splits a base name into lowercase words on underscores and case humps.
func nameTokens(base string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	runes := []rune(base)
	for i, r := range runes {
		switch {
		case r == '_' || r == ' ' || r == '-':
			flush()
			continue
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) ||
			(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))):
			flush()
		}
		cur.WriteRune(r)
	}
	flush()
	return tokens
}

// keywordFalseFriends blanks out common words that embed a keyword of an unrelated
// bucket, such as the "count" in "account".
var keywordFalseFriends = strings.NewReplacer("account", "_", "feedback", "_")

// semanticBucket classifies a field by the first rule with a keyword contained in its
// lowercased base name, so run-together names like Mobilephone__c still match.
func semanticBucket(apiName string) string {
	base := baseName(apiName)
	tokens := nameTokens(base)
	if len(tokens) == 0 {
		return SemanticGeneral
	}
	if len(tokens) > 1 && tokens[len(tokens)-1] == "at" {
		return SemanticTemporal
	}
	name := keywordFalseFriends.Replace(strings.ToLower(base))
	for _, rule := range semanticRules {
		for _, kw := range rule.keywords {
			if strings.Contains(name, kw) {
				return rule.bucket
			}
		}
	}
	if tokens[0] == "is" || tokens[0] == "has" {
		return SemanticBoolean
	}
	return SemanticGeneral
}

// Validation rule families.
const (
	ValidationRequiredField    = "required_field"
	ValidationFormat           = "format_validation"
	ValidationDate             = "date_validation"
	ValidationRange            = "range_validation"
	ValidationValueRestriction = "value_restriction"
	ValidationComplexLogic     = "complex_logic"
	ValidationCustom           = "custom"
)

var (
	dateFunctionRe = regexp.MustCompile(`\b(TODAY|NOW|DATEVALUE|DATETIMEVALUE|DATE|YEAR|MONTH|DAY|ADDMONTHS|WEEKDAY)\s*\(`)
	comparisonRe   = regexp.MustCompile(`<=|>=|<|>`)
	combinatorRe   = regexp.MustCompile(`\b(AND|OR|NOT)\s*\(|&&|\|\|`)
)

// validationFamily classifies a validation formula by the function family it uses.
func validationFamily(formula string) string {
	upper := strings.ToUpper(formula)
	switch {
	case strings.Contains(upper, "ISBLANK(") || strings.Contains(upper, "ISNULL("):
		return ValidationRequiredField
	case strings.Contains(upper, "REGEX("):
		return ValidationFormat
	case dateFunctionRe.MatchString(upper):
		return ValidationDate
	case comparisonRe.MatchString(upper):
		return ValidationRange
	case strings.Contains(upper, "CONTAINS(") || strings.Contains(upper, "INCLUDES("):
		return ValidationValueRestriction
	case combinatorRe.MatchString(upper):
		return ValidationComplexLogic
	default:
		return ValidationCustom
	}
}
