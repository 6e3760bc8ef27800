package protocol

import "math/rand/v2"

// Challenge sizing and alphabet. The characters cover the printable ASCII
// range minus '\', ';', '"', '%' and '/', so a challenge never collides
// with the infostring separators or quoting on its way back.
const (
	ChallengeMinLength = 9
	ChallengeMaxLength = 12

	challengeAlphabet = "!#$&'()*+,-." +
		"0123456789:<=>?@" +
		"ABCDEFGHIJKLMNOPQRSTUVWXYZ[]^_`" +
		"abcdefghijklmnopqrstuvwxyz{|}~"
)

// NewChallenge returns a fresh random challenge. randInt may be nil, in
// which case math/rand/v2 is used; tests inject a fixed sequence.
func NewChallenge(randInt func(n int) int) string {
	if randInt == nil {
		randInt = rand.IntN
	}
	length := ChallengeMinLength + randInt(ChallengeMaxLength-ChallengeMinLength+1)
	b := make([]byte, length)
	for i := range b {
		b[i] = challengeAlphabet[randInt(len(challengeAlphabet))]
	}
	return string(b)
}
