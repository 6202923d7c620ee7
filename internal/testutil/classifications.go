package testutil

import (
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/classifier"
)

// Denial is a cooperative-toned exemption denial.
func Denial(confidence float64) *classifier.Classification {
	return &classifier.Classification{
		Category:   classifier.CategoryDenial,
		Confidence: confidence,
		Sentiment:  classifier.SentimentNeutral,
		Summary:    "agency denies the request citing an exemption",
		Details: classifier.DenialDetails{
			Reason:     classifier.DenialExemption,
			Exemptions: []string{"law enforcement records"},
		},
	}
}

// FeeNotice quotes amount.
func FeeNotice(amount, confidence float64) *classifier.Classification {
	a := amount
	return &classifier.Classification{
		Category:   classifier.CategoryFeeNotice,
		Confidence: confidence,
		Sentiment:  classifier.SentimentNeutral,
		FeeAmount:  &a,
		Summary:    "agency quotes a fee before processing",
		Details: classifier.FeeDetails{
			Quote: &cases.FeeQuote{Amount: &a, Status: cases.FeeQuoteStatusQuoted},
		},
	}
}

// Acknowledgment is a plain receipt confirmation.
func Acknowledgment() *classifier.Classification {
	return &classifier.Classification{
		Category:   classifier.CategoryAcknowledgment,
		Confidence: 0.97,
		Sentiment:  classifier.SentimentCooperative,
		Summary:    "agency acknowledges receipt",
	}
}

// Clarification asks one question.
func Clarification(confidence float64) *classifier.Classification {
	return &classifier.Classification{
		Category:   classifier.CategoryClarificationRequest,
		Confidence: confidence,
		Sentiment:  classifier.SentimentCooperative,
		Summary:    "agency asks which officers are involved",
		Details:    classifier.ClarificationDetails{Questions: []string{"Which officers?"}},
	}
}
