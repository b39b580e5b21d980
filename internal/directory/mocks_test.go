package directory

import (
	"context"
	"sort"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

type mockPolicyStore struct {
	policies map[int64]*models.Policy
	users    map[string]*models.DirectoryUser
	nextID   int64
}

func newMockPolicyStore() *mockPolicyStore {
	return &mockPolicyStore{
		policies: make(map[int64]*models.Policy),
		users:    make(map[string]*models.DirectoryUser),
	}
}

func (m *mockPolicyStore) GetPolicyByName(_ context.Context, name string) (*models.Policy, error) {
	name = models.PolicyName(name)
	for _, p := range m.sortedPolicies() {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockPolicyStore) sortedPolicies() []*models.Policy {
	out := make([]*models.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockPolicyStore) PolicyWithSAUsernameExists(_ context.Context, username string) (bool, error) {
	for _, p := range m.policies {
		if p.SAUsername != nil && *p.SAUsername == username {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockPolicyStore) EnsurePolicy(ctx context.Context, name string) (*models.Policy, error) {
	if p, err := m.GetPolicyByName(ctx, name); err == nil {
		return p, nil
	}
	m.nextID++
	p := &models.Policy{ID: m.nextID, Name: models.PolicyName(name)}
	m.policies[p.ID] = p
	return p, nil
}

func (m *mockPolicyStore) SetPolicySAUsername(_ context.Context, policyID int64, username string) error {
	p, ok := m.policies[policyID]
	if !ok {
		return store.ErrNotFound
	}
	p.SAUsername = &username
	return nil
}

func (m *mockPolicyStore) RenamePolicy(_ context.Context, policyID int64, name string) error {
	p, ok := m.policies[policyID]
	if !ok {
		return store.ErrNotFound
	}
	p.Name = models.PolicyName(name)
	return nil
}

func (m *mockPolicyStore) DeletePolicy(_ context.Context, policyID int64) error {
	for email, u := range m.users {
		if u.PolicyID == policyID {
			delete(m.users, email)
		}
	}
	delete(m.policies, policyID)
	return nil
}

func (m *mockPolicyStore) GetUserByEmail(_ context.Context, email string) (*models.DirectoryUser, error) {
	u, ok := m.users[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (m *mockPolicyStore) EnsureUser(_ context.Context, email string, policyID int64, priority int) (*models.DirectoryUser, error) {
	if u, ok := m.users[email]; ok {
		u.PolicyID = policyID
		return u, nil
	}
	m.nextID++
	u := &models.DirectoryUser{ID: m.nextID, Email: email, Fullname: email, PolicyID: policyID, Priority: priority}
	m.users[email] = u
	return u, nil
}

func (m *mockPolicyStore) RenameUser(_ context.Context, id int64, email string) error {
	for old, u := range m.users {
		if u.ID == id {
			delete(m.users, old)
			u.Email, u.Fullname = email, email
			m.users[email] = u
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *mockPolicyStore) DeleteUser(_ context.Context, id int64) error {
	for email, u := range m.users {
		if u.ID == id {
			delete(m.users, email)
			return nil
		}
	}
	return store.ErrNotFound
}

type mockAccountStore struct {
	accounts      map[string]*models.Account
	domains       map[string]*models.Domain
	domainAliases map[int64][]string
	admins        map[int64][]string
	mailboxes     map[string]*models.Mailbox
	aliases       map[string]*models.Alias
	aliasTargets  map[int64]*models.Mailbox
	mailboxAlias  map[int64][]string
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{
		accounts:      make(map[string]*models.Account),
		domains:       make(map[string]*models.Domain),
		domainAliases: make(map[int64][]string),
		admins:        make(map[int64][]string),
		mailboxes:     make(map[string]*models.Mailbox),
		aliases:       make(map[string]*models.Alias),
		aliasTargets:  make(map[int64]*models.Mailbox),
		mailboxAlias:  make(map[int64][]string),
	}
}

func (m *mockAccountStore) addMailbox(id int64, local, domain string, accountID *int64) *models.Mailbox {
	mb := &models.Mailbox{ID: id, AccountID: accountID, LocalPart: local, DomainName: domain}
	m.mailboxes[mb.FullAddress()] = mb
	return mb
}

func (m *mockAccountStore) addAlias(id int64, addr, typ string, target *models.Mailbox) {
	m.aliases[addr] = &models.Alias{ID: id, Address: addr, Type: typ, Enabled: true}
	if target != nil {
		m.aliasTargets[id] = target
		if typ == models.AliasTypeAlias {
			m.mailboxAlias[target.ID] = append(m.mailboxAlias[target.ID], addr)
		}
	}
}

func (m *mockAccountStore) GetAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	a, ok := m.accounts[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *mockAccountStore) ListAccountsByRole(_ context.Context, role models.Role) ([]models.Account, error) {
	var out []models.Account
	for _, a := range m.accounts {
		if a.Role == role {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockAccountStore) GetDomainByName(_ context.Context, name string) (*models.Domain, error) {
	d, ok := m.domains[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (m *mockAccountStore) ListDomains(_ context.Context) ([]models.Domain, error) {
	var out []models.Domain
	for _, d := range m.domains {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockAccountStore) ListDomainAliases(_ context.Context, domainID int64) ([]string, error) {
	return m.domainAliases[domainID], nil
}

func (m *mockAccountStore) ListAdministeredDomains(_ context.Context, accountID int64) ([]string, error) {
	return m.admins[accountID], nil
}

func (m *mockAccountStore) GetMailbox(_ context.Context, localPart, domain string) (*models.Mailbox, error) {
	mb, ok := m.mailboxes[localPart+"@"+domain]
	if !ok {
		return nil, store.ErrNotFound
	}
	return mb, nil
}

func (m *mockAccountStore) GetMailboxByAccountID(_ context.Context, accountID int64) (*models.Mailbox, error) {
	for _, mb := range m.mailboxes {
		if mb.AccountID != nil && *mb.AccountID == accountID {
			return mb, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockAccountStore) ListMailboxAliasAddresses(_ context.Context, mailboxID int64) ([]string, error) {
	return m.mailboxAlias[mailboxID], nil
}

func (m *mockAccountStore) FindAlias(_ context.Context, addr string) (*models.Alias, error) {
	a, ok := m.aliases[addr]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *mockAccountStore) GetAliasMailbox(_ context.Context, aliasID int64) (*models.Mailbox, error) {
	mb, ok := m.aliasTargets[aliasID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return mb, nil
}
