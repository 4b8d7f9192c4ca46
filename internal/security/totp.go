package security

import (
	"github.com/pquerna/otp/totp"
)

// totpIssuer labels provisioned TOTP secrets.
const totpIssuer = "Lucentra"

// GenerateTOTPSecret provisions a new TOTP secret for an approver and
// returns the secret plus its otpauth provisioning URL.
func GenerateTOTPSecret(accountName string) (secret, url string, err error) {
	key, errGenerate := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: accountName,
	})
	if errGenerate != nil {
		return "", "", errGenerate
	}
	return key.Secret(), key.URL(), nil
}

// ValidateTOTP checks a one-time code against a stored secret.
func ValidateTOTP(secret, code string) bool {
	return totp.Validate(code, secret)
}
