package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configpilot/configpilot/internal/metadata"
	"github.com/configpilot/configpilot/internal/models"
	"github.com/configpilot/configpilot/internal/testhelpers"
)

func TestNamingConvention(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Customer_Name__c", NamingSnakeCase},
		{"CustomerName__c", NamingPascalCase},
		{"customername__c", NamingLowercase},
		{"customerName__c", NamingStandard},
		{"X1__c", NamingStandard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, namingConvention(tt.name))
		})
	}
}

func TestSemanticBucket(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Start_Date__c", SemanticTemporal},
		{"Created_At__c", SemanticTemporal},
		{"BirthDate__c", SemanticTemporal},
		{"Annual_Revenue__c", SemanticMonetary},
		{"Employee_Count__c", SemanticNumeric},
		{"Contact_Email__c", SemanticEmail},
		{"Mobile_Phone__c", SemanticPhone},
		{"Website__c", SemanticURL},
		{"Internal_Notes__c", SemanticLongText},
		{"Account_Status__c", SemanticPicklist},
		{"Order_Type__c", SemanticPicklist},
		{"Is_Primary__c", SemanticBoolean},
		{"HasOptedOut__c", SemanticBoolean},
		{"Customer_Name__c", SemanticGeneral},
		{"Mobilephone__c", SemanticPhone},
		{"Totalamount__c", SemanticMonetary},
		{"Emailaddress__c", SemanticEmail},
		{"Duedate__c", SemanticTemporal},
		{"Account__c", SemanticGeneral},
		{"Feedback_Status__c", SemanticPicklist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, semanticBucket(tt.name))
		})
	}
}

func TestValidationFamily(t *testing.T) {
	tests := []struct {
		formula string
		want    string
	}{
		{"ISBLANK(Email__c)", ValidationRequiredField},
		{`NOT(REGEX(Phone__c, "[0-9]{10}"))`, ValidationFormat},
		{"Close_Date__c < TODAY()", ValidationDate},
		{"Discount__c > 0.5", ValidationRange},
		{`CONTAINS(Name, "test")`, ValidationValueRestriction},
		{"AND(IsActive__c, NOT(IsDeleted__c))", ValidationComplexLogic},
		{"PRIORVALUE(Stage__c) = 'Closed'", ValidationCustom},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, validationFamily(tt.formula))
		})
	}
}

func newPatternFixture() *testhelpers.FakeMetadata {
	order := testhelpers.NewObjectBuilder("Order__c").
		WithField("Customer_Name__c", "string").
		WithField("Account_Status__c", "picklist").
		WithField("Order_Type__c", "picklist").
		WithMasterDetail("Account__c", "Account").
		WithValidationRule("Require_Name", "ISBLANK(Customer_Name__c)").
		Build()
	order.Fields = append(order.Fields, metadata.FieldDescribe{Name: "Name", Type: "string"})

	account := testhelpers.NewObjectBuilder("Account").Standard().Build()
	account.Fields = []metadata.FieldDescribe{{Name: "Industry", Type: "picklist"}}

	return testhelpers.NewFakeMetadata("org-1", order, account).
		WithItems(metadata.TypeFlow, "Order_Flow", "Invoice_Flow").
		WithItems(metadata.TypeApexTrigger, "OrderTrigger")
}

func TestPatternService_AnalyzeOrgPatterns(t *testing.T) {
	fake := newPatternFixture()
	store := testhelpers.NewTestStore(t)
	svc := NewPatternService(fake, store, nil)

	patterns, err := svc.AnalyzeOrgPatterns(context.Background(), "org-1", "T-1")
	require.NoError(t, err)

	var snake *models.NamingPattern
	for i := range patterns.NamingPatterns {
		if patterns.NamingPatterns[i].Pattern == "snake_case__c" {
			snake = &patterns.NamingPatterns[i]
		}
	}
	require.NotNil(t, snake, "expected a snake_case__c bucket")
	assert.Equal(t, 3, snake.Frequency)
	assert.Equal(t, 0.70, snake.Confidence)
	assert.ElementsMatch(t, []string{"Customer_Name__c", "Account_Status__c", "Order_Type__c"}, snake.Examples)

	require.Len(t, patterns.RelationshipPatterns, 1)
	rel := patterns.RelationshipPatterns[0]
	assert.Equal(t, "Account", rel.ParentObject)
	assert.Equal(t, "Order__c", rel.ChildObject)
	assert.Equal(t, models.RelationshipMasterDetail, rel.Kind)

	require.Len(t, patterns.ValidationPatterns, 1)
	assert.Equal(t, ValidationRequiredField, patterns.ValidationPatterns[0].RuleType)

	require.Len(t, patterns.AutomationPatterns, 2)
	assert.Equal(t, "flow", patterns.AutomationPatterns[0].Kind)
	assert.Equal(t, 2, patterns.AutomationPatterns[0].Frequency)

	// The standard Account object is never described.
	assert.Equal(t, 1, fake.DescribeObjectHits)

	latest, err := store.LatestAnalysis(context.Background(), "T-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "org-1", latest.OrgID)
	assert.Equal(t, 1.0, latest.PatternScore)
	assert.Equal(t, patterns.OverallConfidence(), latest.OverallConfidence)
}

func TestPatternService_NamingBucketsSortedByFrequency(t *testing.T) {
	obj := testhelpers.NewObjectBuilder("Lead_Score__c").
		WithField("LeadSource__c", "string").
		WithField("Lead_Owner__c", "string").
		WithField("Lead_Region__c", "string").
		Build()
	svc := NewPatternService(testhelpers.NewFakeMetadata("org", obj), nil, nil)

	patterns, err := svc.AnalyzeOrgPatterns(context.Background(), "org", "T-1")
	require.NoError(t, err)
	require.Len(t, patterns.NamingPatterns, 2)
	assert.Equal(t, "snake_case__c", patterns.NamingPatterns[0].Pattern)
	assert.Equal(t, "PascalCase__c", patterns.NamingPatterns[1].Pattern)
	assert.Equal(t, 0.30, patterns.NamingPatterns[1].Confidence)
}

func TestPatternService_ExamplesAreBounded(t *testing.T) {
	b := testhelpers.NewObjectBuilder("Wide__c")
	names := []string{"A_One__c", "A_Two__c", "A_Three__c", "A_Four__c", "A_Five__c", "A_Six__c", "A_Seven__c"}
	for _, n := range names {
		b.WithField(n, "string")
	}
	svc := NewPatternService(testhelpers.NewFakeMetadata("org", b.Build()), nil, nil)

	patterns, err := svc.AnalyzeOrgPatterns(context.Background(), "org", "T-1")
	require.NoError(t, err)
	require.Len(t, patterns.NamingPatterns, 1)
	assert.Equal(t, 7, patterns.NamingPatterns[0].Frequency)
	assert.Len(t, patterns.NamingPatterns[0].Examples, models.MaxPatternExamples)
	assert.Equal(t, 0.85, patterns.NamingPatterns[0].Confidence)
}

func TestPatternService_DescribeGlobalFailure(t *testing.T) {
	fake := newPatternFixture()
	fake.GlobalErr = errors.New("session expired")
	store := testhelpers.NewTestStore(t)
	svc := NewPatternService(fake, store, nil)

	patterns, err := svc.AnalyzeOrgPatterns(context.Background(), "org-1", "T-1")
	assert.Nil(t, patterns)
	assert.ErrorIs(t, err, models.ErrMetadataUnavailable)

	latest, err := store.LatestAnalysis(context.Background(), "T-1")
	require.NoError(t, err)
	assert.Nil(t, latest, "no partial analysis may be persisted")
}

func TestPatternService_DescribeObjectFailure(t *testing.T) {
	fake := newPatternFixture().FailDescribe("Order__c", errors.New("timeout"))
	svc := NewPatternService(fake, nil, nil)

	_, err := svc.AnalyzeOrgPatterns(context.Background(), "org-1", "T-1")
	assert.ErrorIs(t, err, models.ErrMetadataUnavailable)
}

func TestPatternService_AutomationIsBestEffort(t *testing.T) {
	fake := newPatternFixture()
	fake.ListErr = errors.New("tooling api down")
	svc := NewPatternService(fake, nil, nil)

	patterns, err := svc.AnalyzeOrgPatterns(context.Background(), "org-1", "T-1")
	require.NoError(t, err)
	assert.Empty(t, patterns.AutomationPatterns)
	assert.NotEmpty(t, patterns.NamingPatterns)
	assert.InDelta(t, 0.8, patterns.PatternScore(), 1e-9)
}

func TestPatternService_LatestPatterns(t *testing.T) {
	store := testhelpers.NewTestStore(t)
	svc := NewPatternService(newPatternFixture(), store, nil)
	ctx := context.Background()

	none, err := svc.LatestPatterns(ctx, "T-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	analyzed, err := svc.AnalyzeOrgPatterns(ctx, "org-1", "T-1")
	require.NoError(t, err)

	latest, err := svc.LatestPatterns(ctx, "T-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, len(analyzed.NamingPatterns), len(latest.NamingPatterns))
}
