package domain

import (
	"time"
)

// RuleType is the firewall action of an access rule.
type RuleType string

const (
	RuleAllow RuleType = "allow"
	RuleDeny  RuleType = "deny"
)

// Valid reports whether the rule type is allow or deny.
func (r RuleType) Valid() bool {
	return r == RuleAllow || r == RuleDeny
}

// AccessRule is a firewall-style allow/deny entry matched against a
// normalized sender identifier. A trailing '*' in PhoneNumber makes it
// a prefix wildcard. InstanceName nil means the rule is global.
type AccessRule struct {
	ID       uint     `json:"id" gorm:"primaryKey;autoIncrement"`
	RuleType RuleType `json:"rule_type" gorm:"type:varchar(16);not null;uniqueIndex:uni_access_rules_tuple,priority:1"`
	// PhoneNumber is the identifier pattern; despite the name it holds
	// any channel-local identifier (discord user ids included).
	PhoneNumber  string  `json:"phone_number" gorm:"type:varchar(255);not null;uniqueIndex:uni_access_rules_tuple,priority:2"`
	InstanceName *string `json:"instance_name,omitempty" gorm:"type:varchar(255);uniqueIndex:uni_access_rules_tuple,priority:3"`
	Label        string  `json:"label,omitempty" gorm:"type:varchar(255)"`
	IsActive     bool    `json:"is_active" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName sets the table name for AccessRule.
func (AccessRule) TableName() string {
	return "access_rules"
}

// CreateAccessRuleRequest is the admin API body for rule creation; the
// rule type comes from the URL path.
type CreateAccessRuleRequest struct {
	PhoneNumber  string  `json:"phone_number"`
	InstanceName *string `json:"instance_name,omitempty"`
	Label        string  `json:"label,omitempty"`
}

// AccessDecision is the evaluator's verdict for one identifier.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
