package models

import (
	"slices"
	"strings"
	"time"
)

// Status is the single-character lifecycle code of a message recipient
// (the amavis msgrcpt.rs column).
type Status string

const (
	StatusUnseen   Status = " "
	StatusViewed   Status = "V"
	StatusSpam     Status = "S"
	StatusHam      Status = "H"
	StatusDeleted  Status = "D"
	StatusReleased Status = "R"
	StatusPending  Status = "p"
)

// Valid reports whether s is one of the known recipient statuses. The empty
// string is accepted as an unseen status, as some backends strip padding.
func (s Status) Valid() bool {
	switch s {
	case StatusUnseen, "", StatusViewed, StatusSpam, StatusHam, StatusDeleted, StatusReleased, StatusPending:
		return true
	}
	return false
}

// Terminal statuses accept nothing but their own re-application.
func (s Status) Terminal() bool {
	return s == StatusDeleted || s == StatusReleased
}

// Unseen reports whether the recipient has not been looked at yet.
func (s Status) Unseen() bool {
	return s == StatusUnseen || s == ""
}

// ContentType is the amavis classification code of a message.
type ContentType string

const (
	ContentClean     ContentType = "C"
	ContentSpam      ContentType = "S"
	ContentSpammy    ContentType = "Y"
	ContentVirus     ContentType = "V"
	ContentBadHeader ContentType = "H"
	ContentBadMIME   ContentType = "M"
	ContentBanned    ContentType = "B"
	ContentOversized ContentType = "O"
	ContentMTAError  ContentType = "T"
	ContentUnchecked ContentType = "U"
)

// ContentTypeLabel pairs a content type with its display label.
type ContentTypeLabel struct {
	Code  ContentType `json:"code"`
	Label string      `json:"label"`
}

// ContentTypes lists every classification in display order.
var ContentTypes = []ContentTypeLabel{
	{ContentClean, "Clean"},
	{ContentSpam, "Spam"},
	{ContentSpammy, "Spammy"},
	{ContentVirus, "Virus"},
	{ContentBadHeader, "Bad Header"},
	{ContentBadMIME, "Bad MIME"},
	{ContentBanned, "Banned"},
	{ContentOversized, "Over sized"},
	{ContentMTAError, "MTA error"},
	{ContentUnchecked, "Unchecked"},
}

func (c ContentType) Valid() bool {
	for _, ct := range ContentTypes {
		if ct.Code == c {
			return true
		}
	}
	return false
}

// Address is a row of the amavis maddr table. Domain holds the reversed
// domain key (labels reversed and dot-joined).
type Address struct {
	ID     int64  `db:"id"`
	Email  string `db:"email"`
	Domain string `db:"domain"`
}

// Message is a row of the amavis msgs table.
type Message struct {
	MailID   string      `db:"mail_id"`
	SecretID string      `db:"secret_id"`
	SenderID int64       `db:"sid"`
	TimeNum  int64       `db:"time_num"`
	Content  ContentType `db:"content"`
	Size     int64       `db:"size"`
	FromAddr string      `db:"from_addr"`
	Subject  string      `db:"subject"`
}

// Recipient is one (message, recipient address) pair from msgrcpt, joined
// with the recipient address.
type Recipient struct {
	MailID    string      `db:"mail_id"`
	Seq       int         `db:"rseqnum"`
	RID       int64       `db:"rid"`
	Email     string      `db:"email"`
	Content   ContentType `db:"content"`
	Status    Status      `db:"rs"`
	Blacklist *string     `db:"bl"`
	Whitelist *string     `db:"wl"`
	SpamLevel *float64    `db:"bspam_level"`
	SecretID  string      `db:"secret_id"`
}

// Chunk is one ordered piece of a quarantined message body.
type Chunk struct {
	MailID   string `db:"mail_id"`
	Index    int    `db:"chunk_ind"`
	MailText []byte `db:"mail_text"`
}

// QuarantineRow is one recipient of a quarantined message as returned by a
// listing query.
type QuarantineRow struct {
	MailID    string      `db:"mail_id"`
	Seq       int         `db:"rseqnum"`
	RID       int64       `db:"rid"`
	Email     string      `db:"email"`
	Content   ContentType `db:"content"`
	Status    Status      `db:"rs"`
	SpamLevel *float64    `db:"bspam_level"`
	TimeNum   int64       `db:"time_num"`
	FromAddr  string      `db:"from_addr"`
	Subject   string      `db:"subject"`
}

// Summary is one row of a quarantine listing.
type Summary struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	Subject string      `json:"subject"`
	MailID  string      `json:"mailid"`
	Date    time.Time   `json:"date"`
	Type    ContentType `json:"type"`
	Score   *float64    `json:"score"`
	Status  Status      `json:"status"`
	Class   string      `json:"class,omitempty"`
}

// PolicyNameMaxLen is the width of the amavis policy_name column. Distinct
// addresses sharing a 32 character prefix map to the same policy.
const PolicyNameMaxLen = 32

// PolicyName truncates name to the policy key width.
func PolicyName(name string) string {
	if len(name) > PolicyNameMaxLen {
		return name[:PolicyNameMaxLen]
	}
	return name
}

// Policy is a named bundle of amavis filtering settings.
type Policy struct {
	ID                 int64    `db:"id"`
	Name               string   `db:"policy_name"`
	SAUsername         *string  `db:"sa_username"`
	SpamTagLevel       *float64 `db:"spam_tag_level"`
	SpamTag2Level      *float64 `db:"spam_tag2_level"`
	SpamKillLevel      *float64 `db:"spam_kill_level"`
	BypassVirusChecks  *string  `db:"bypass_virus_checks"`
	BypassSpamChecks   *string  `db:"bypass_spam_checks"`
	BypassBannedChecks *string  `db:"bypass_banned_checks"`
	BypassHeaderChecks *string  `db:"bypass_header_checks"`
	SpamSubjectTag2    *string  `db:"spam_subject_tag2"`
}

// DefaultUserPriority is the priority given to directory users created
// by this service.
const DefaultUserPriority = 7

// DirectoryUser maps an address (or @domain pattern) to a policy
// (the amavis users table).
type DirectoryUser struct {
	ID       int64  `db:"id"`
	Priority int    `db:"priority"`
	PolicyID int64  `db:"policy_id"`
	Email    string `db:"email"`
	Fullname string `db:"fullname"`
}

// Role is the administrative role of an account.
type Role string

const (
	RoleSuperAdmin  Role = "SuperAdmins"
	RoleReseller    Role = "Resellers"
	RoleDomainAdmin Role = "DomainAdmins"
	RoleSimpleUser  Role = "SimpleUsers"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleReseller, RoleDomainAdmin, RoleSimpleUser:
		return true
	}
	return false
}

// Account is a user of the mail platform (admin directory database).
type Account struct {
	ID          int64
	Email       string
	Role        Role
	IsSuperuser bool
	IsActive    bool
	CreatedAt   time.Time
}

// Domain is a hosted mail domain.
type Domain struct {
	ID      int64
	Name    string
	Enabled bool
}

// Mailbox is a real mailbox of a hosted domain.
type Mailbox struct {
	ID         int64
	AccountID  *int64
	DomainID   int64
	LocalPart  string
	DomainName string
}

// FullAddress returns the mailbox address.
func (m *Mailbox) FullAddress() string {
	return m.LocalPart + "@" + m.DomainName
}

// Alias types as stored in the admin directory.
const (
	AliasTypeAlias   = "alias"
	AliasTypeForward = "forward"
	AliasTypeDList   = "dlist"
)

// Alias is an address that forwards to one or more recipients.
type Alias struct {
	ID       int64
	Address  string
	DomainID int64
	Type     string
	Enabled  bool
}

// Identity is the caller on whose behalf the quarantine is queried or
// mutated. Aliases holds the alias addresses of the caller's own mailbox;
// Domains holds the domain names an administrator manages.
type Identity struct {
	AccountID   int64    `json:"account_id"`
	Email       string   `json:"email"`
	Role        Role     `json:"role"`
	IsSuperuser bool     `json:"is_superuser"`
	HasMailbox  bool     `json:"has_mailbox"`
	Aliases     []string `json:"aliases,omitempty"`
	Domains     []string `json:"domains,omitempty"`
}

// IsSuperAdmin reports whether the identity sees every recipient.
func (i *Identity) IsSuperAdmin() bool {
	return i.IsSuperuser || i.Role == RoleSuperAdmin
}

// IsSimpleUser reports whether the identity is restricted to its own
// addresses.
func (i *Identity) IsSimpleUser() bool {
	return i.Role == RoleSimpleUser && !i.IsSuperuser
}

// OwnsAddress reports whether addr is the identity's address or one of its
// mailbox aliases.
func (i *Identity) OwnsAddress(addr string) bool {
	if addr == i.Email {
		return true
	}
	return slices.Contains(i.Aliases, addr)
}

// CanAccess reports whether the identity may read mail addressed to rcpt.
// Domain administrators may read mail of the domains they manage.
func (i *Identity) CanAccess(rcpt string) bool {
	switch {
	case i.IsSuperAdmin():
		return true
	case i.IsSimpleUser():
		return i.OwnsAddress(rcpt)
	}
	at := strings.LastIndexByte(rcpt, '@')
	if at < 0 {
		return false
	}
	return slices.ContainsFunc(i.Domains, func(d string) bool {
		return strings.EqualFold(d, rcpt[at+1:])
	})
}
