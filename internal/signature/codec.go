package signature

/*
Файл codec.go — криптографическое ядро протокола оплаты.

Каноническое сообщение строится из полей PaymentIntent в фиксированном порядке
(PaymentID, Payer, Recipient, Amount, Token, Agent, Expires, Nonce) и является
контрактом совместимости между клиентом, фасилитатором и шлюзом.
Изменение порядка или формата строк ломает проверку подписей у всех участников.

Пакет не хранит состояния: Sign и Verify — чистые функции, их можно звать
из любого количества горутин без синхронизации.
*/

import (
	"crypto/ed25519"
	"strconv"
	"strings"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

const messageHeader = "SynapsePay Payment Intent"

// CanonicalMessage возвращает байты, которые подписывает плательщик.
func CanonicalMessage(in domain.PaymentIntent) []byte {
	lines := []string{
		messageHeader,
		"PaymentID: " + in.PaymentID,
		"Payer: " + in.Payer,
		"Recipient: " + in.Recipient,
		"Amount: " + strconv.FormatInt(in.Amount, 10),
		"Token: " + in.TokenMint,
		"Agent: " + in.ResourceID,
		"Expires: " + strconv.FormatInt(in.ExpiresAt, 10),
		"Nonce: " + strconv.FormatInt(in.Nonce, 10),
	}
	return []byte(strings.Join(lines, "\n"))
}

// Sign подписывает заявку. Ed25519 детерминирован: одна и та же заявка
// и один ключ всегда дают побайтно одинаковую подпись.
func Sign(in domain.PaymentIntent, kp *Keypair) Signature {
	return Signature{
		Bytes: ed25519.Sign(kp.Private, CanonicalMessage(in)),
		Nonce: in.Nonce,
	}
}

// Verify проверяет подпись заявки публичным ключом плательщика.
// Любое расхождение полей с подписанными даёт false.
func Verify(in domain.PaymentIntent, sig Signature, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig.Bytes) != ed25519.SignatureSize {
		return false
	}
	if sig.Nonce != in.Nonce {
		return false
	}
	return ed25519.Verify(pub, CanonicalMessage(in), sig.Bytes)
}

// VerifyFromPayer — то же, что Verify, но ключ берётся из поля Payer (base58).
func VerifyFromPayer(in domain.PaymentIntent, sig Signature) bool {
	pub, err := ParsePublicKey(in.Payer)
	if err != nil {
		return false
	}
	return Verify(in, sig, pub)
}
