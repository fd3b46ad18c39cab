package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret 使用 bcrypt 生成内部调用密钥的哈希，配置中只保存哈希。
func HashSecret(secret string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(bytes), nil
}

// CheckSecret 校验密钥是否匹配哈希。
func CheckSecret(secret, hash string) bool {
	if secret == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
