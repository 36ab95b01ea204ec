package pam

import (
	"strconv"
	"strings"
)

// Code is a result code returned by the native authentication library.
// Values follow the Linux-PAM numbering.
type Code int

const (
	CodeSuccess             Code = 0
	CodeOpenErr             Code = 1
	CodeSymbolErr           Code = 2
	CodeServiceErr          Code = 3
	CodeSystemErr           Code = 4
	CodeBufErr              Code = 5
	CodePermDenied          Code = 6
	CodeAuthErr             Code = 7
	CodeCredInsufficient    Code = 8
	CodeAuthinfoUnavail     Code = 9
	CodeUserUnknown         Code = 10
	CodeMaxTries            Code = 11
	CodeNewAuthtokReqd      Code = 12
	CodeAcctExpired         Code = 13
	CodeSessionErr          Code = 14
	CodeCredUnavail         Code = 15
	CodeCredExpired         Code = 16
	CodeCredErr             Code = 17
	CodeNoModuleData        Code = 18
	CodeConvErr             Code = 19
	CodeAuthtokErr          Code = 20
	CodeAuthtokRecoveryErr  Code = 21
	CodeAuthtokLockBusy     Code = 22
	CodeAuthtokDisableAging Code = 23
	CodeTryAgain            Code = 24
	CodeIgnore              Code = 25
	CodeAbort               Code = 26
	CodeAuthtokExpired      Code = 27
	CodeModuleUnknown       Code = 28
	CodeBadItem             Code = 29
	CodeConvAgain           Code = 30
	CodeIncomplete          Code = 31
)

// UnknownCodeName is returned for codes outside the known table.
const UnknownCodeName = "UNKNOWN"

type codeEntry struct {
	name        string
	description string
}

// codeTable is indexed by Code value; keep it dense and in order.
var codeTable = [...]codeEntry{
	CodeSuccess:             {"SUCCESS", "Success"},
	CodeOpenErr:             {"OPEN_ERR", "Failed to load module"},
	CodeSymbolErr:           {"SYMBOL_ERR", "Symbol not found"},
	CodeServiceErr:          {"SERVICE_ERR", "Error in service module"},
	CodeSystemErr:           {"SYSTEM_ERR", "System error"},
	CodeBufErr:              {"BUF_ERR", "Memory buffer error"},
	CodePermDenied:          {"PERM_DENIED", "Permission denied"},
	CodeAuthErr:             {"AUTH_ERR", "Authentication failure"},
	CodeCredInsufficient:    {"CRED_INSUFFICIENT", "Insufficient credentials to access authentication data"},
	CodeAuthinfoUnavail:     {"AUTHINFO_UNAVAIL", "Authentication service cannot retrieve authentication info"},
	CodeUserUnknown:         {"USER_UNKNOWN", "User not known to the underlying authentication module"},
	CodeMaxTries:            {"MAXTRIES", "Have exhausted maximum number of retries for service"},
	CodeNewAuthtokReqd:      {"NEW_AUTHTOK_REQD", "Authentication token is no longer valid; new one required"},
	CodeAcctExpired:         {"ACCT_EXPIRED", "User account has expired"},
	CodeSessionErr:          {"SESSION_ERR", "Cannot make/remove an entry for the specified session"},
	CodeCredUnavail:         {"CRED_UNAVAIL", "Authentication service cannot retrieve user credentials"},
	CodeCredExpired:         {"CRED_EXPIRED", "User credentials expired"},
	CodeCredErr:             {"CRED_ERR", "Failure setting user credentials"},
	CodeNoModuleData:        {"NO_MODULE_DATA", "No module specific data is present"},
	CodeConvErr:             {"CONV_ERR", "Conversation error"},
	CodeAuthtokErr:          {"AUTHTOK_ERR", "Authentication token manipulation error"},
	CodeAuthtokRecoveryErr:  {"AUTHTOK_RECOVERY_ERR", "Authentication information cannot be recovered"},
	CodeAuthtokLockBusy:     {"AUTHTOK_LOCK_BUSY", "Authentication token lock busy"},
	CodeAuthtokDisableAging: {"AUTHTOK_DISABLE_AGING", "Authentication token aging disabled"},
	CodeTryAgain:            {"TRY_AGAIN", "Failed preliminary check by password service"},
	CodeIgnore:              {"IGNORE", "The return value should be ignored by PAM dispatch"},
	CodeAbort:               {"ABORT", "Critical error - immediate abort"},
	CodeAuthtokExpired:      {"AUTHTOK_EXPIRED", "Authentication token expired"},
	CodeModuleUnknown:       {"MODULE_UNKNOWN", "Module is unknown"},
	CodeBadItem:             {"BAD_ITEM", "Bad item passed to pam_*_item()"},
	CodeConvAgain:           {"CONV_AGAIN", "Conversation is waiting for event"},
	CodeIncomplete:          {"INCOMPLETE", "Application needs to call libpam again"},
}

// Known reports whether c is part of the code table.
func (c Code) Known() bool {
	return c >= 0 && int(c) < len(codeTable)
}

// Name returns the symbolic name for the code, or UnknownCodeName.
func (c Code) Name() string {
	if !c.Known() {
		return UnknownCodeName
	}
	return codeTable[c].name
}

// Description returns the human readable text for the code.
func (c Code) Description() string {
	if !c.Known() {
		return "Unknown PAM error " + strconv.Itoa(int(c))
	}
	return codeTable[c].description
}

func (c Code) String() string {
	return c.Name()
}

// CodeName maps a raw code value to its name. It never fails; values the
// table does not know about resolve to UnknownCodeName.
func CodeName(code int) string {
	return Code(code).Name()
}

// CodeByName resolves a symbolic name, with or without the PAM_ prefix.
func CodeByName(name string) (Code, bool) {
	name = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "PAM_")
	for i, entry := range codeTable {
		if entry.name == name {
			return Code(i), true
		}
	}
	return 0, false
}

// Codes returns a copy of the code to name table.
func Codes() map[Code]string {
	out := make(map[Code]string, len(codeTable))
	for i, entry := range codeTable {
		out[Code(i)] = entry.name
	}
	return out
}
