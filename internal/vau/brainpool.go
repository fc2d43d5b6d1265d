package vau

// brainpoolP256r1 (RFC 5639) expressed through crypto/elliptic.
//
// The generic CurveParams arithmetic assumes a = -3, which holds for the
// twisted brainpoolP256t1 curve but not for the r1 curve the protocol uses.
// The two are isomorphic: (x, y) on r1 maps to (x*z^2, y*z^3) on t1. The
// rcurve type runs all group operations on t1 and translates points at the
// boundary.

import (
	"crypto/elliptic"
	"math/big"
	"sync"
)

var (
	initonce sync.Once
	p256t1   *elliptic.CurveParams
	p256r1   *rcurve
)

func bigFromHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("vau: invalid curve constant")
	}
	return n
}

func initCurves() {
	p256t1 = &elliptic.CurveParams{
		Name:    "brainpoolP256t1",
		P:       bigFromHex("A9FB57DBA1EEA9BC3E660A909D838D726E3BF623D52620282013481D1F6E5377"),
		N:       bigFromHex("A9FB57DBA1EEA9BC3E660A909D838D718C397AA3B561A6F7901E0E82974856A7"),
		B:       bigFromHex("662C61C430D84EA4FE66A7733D0B76B7BF93EBC4AF2F49256AE58101FEE92B04"),
		Gx:      bigFromHex("A3E8EB3CC1CFE7B7732213B23A656149AFA142C47AAFBC2B79A191562E1305F4"),
		Gy:      bigFromHex("2D996C823439C56D7F7B22E14644417E69BCB6DE39D027001DABE8F35B25C9BE"),
		BitSize: 256,
	}

	twisted := p256t1
	params := &elliptic.CurveParams{
		Name:    "brainpoolP256r1",
		P:       twisted.P,
		N:       twisted.N,
		B:       bigFromHex("26DC5C6CE94A4B44F330B5D9BBD77CBF958416295CF7E1CE6BCCDC18FF8C07B6"),
		Gx:      bigFromHex("8BD2AEB9CB7E57CB2C4B482FFC81B7AFB9DE27E1E3BD23C23A4453BD9ACE3262"),
		Gy:      bigFromHex("547EF835C3DAC4FD97F8461A14611DC9C27745132DED8E545C1D54C72F046997"),
		BitSize: 256,
	}
	z := bigFromHex("3E2D4BD9597B58639AE7AA669CAB9837CF5CF20A2C852D10F655668DFC150EF0")
	p256r1 = newRCurve(twisted, params, z)
}

// P256r1 returns the brainpoolP256r1 curve.
func P256r1() elliptic.Curve {
	initonce.Do(initCurves)
	return p256r1
}

type rcurve struct {
	twisted elliptic.Curve
	params  *elliptic.CurveParams
	z       *big.Int
	zinv    *big.Int
	z2      *big.Int
	z3      *big.Int
	zinv2   *big.Int
	zinv3   *big.Int
}

func newRCurve(twisted elliptic.Curve, params *elliptic.CurveParams, z *big.Int) *rcurve {
	curve := &rcurve{
		twisted: twisted,
		params:  params,
		z:       z,
	}

	p := params.P
	curve.zinv = new(big.Int).ModInverse(z, p)
	curve.z2 = new(big.Int).Exp(z, two, p)
	curve.z3 = new(big.Int).Exp(z, three, p)
	curve.zinv2 = new(big.Int).Exp(curve.zinv, two, p)
	curve.zinv3 = new(big.Int).Exp(curve.zinv, three, p)

	return curve
}

var (
	two   = big.NewInt(2)
	three = big.NewInt(3)
)

func (c *rcurve) toTwisted(x, y *big.Int) (*big.Int, *big.Int) {
	var tx, ty big.Int
	tx.Mul(x, c.z2)
	tx.Mod(&tx, c.params.P)
	ty.Mul(y, c.z3)
	ty.Mod(&ty, c.params.P)
	return &tx, &ty
}

func (c *rcurve) fromTwisted(tx, ty *big.Int) (*big.Int, *big.Int) {
	var x, y big.Int
	x.Mul(tx, c.zinv2)
	x.Mod(&x, c.params.P)
	y.Mul(ty, c.zinv3)
	y.Mod(&y, c.params.P)
	return &x, &y
}

func (c *rcurve) Params() *elliptic.CurveParams {
	return c.params
}

func (c *rcurve) IsOnCurve(x, y *big.Int) bool {
	return c.twisted.IsOnCurve(c.toTwisted(x, y))
}

func (c *rcurve) Add(x1, y1, x2, y2 *big.Int) (*big.Int, *big.Int) {
	tx1, ty1 := c.toTwisted(x1, y1)
	tx2, ty2 := c.toTwisted(x2, y2)
	return c.fromTwisted(c.twisted.Add(tx1, ty1, tx2, ty2))
}

func (c *rcurve) Double(x, y *big.Int) (*big.Int, *big.Int) {
	return c.fromTwisted(c.twisted.Double(c.toTwisted(x, y)))
}

func (c *rcurve) ScalarMult(x, y *big.Int, scalar []byte) (*big.Int, *big.Int) {
	tx, ty := c.toTwisted(x, y)
	return c.fromTwisted(c.twisted.ScalarMult(tx, ty, scalar))
}

func (c *rcurve) ScalarBaseMult(scalar []byte) (*big.Int, *big.Int) {
	return c.fromTwisted(c.twisted.ScalarBaseMult(scalar))
}
