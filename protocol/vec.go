package protocol

import "math"

// Vec3 三维向量（位置/方向/速度），线上 12 字节
type Vec3 struct {
	X, Y, Z float32
}

// Quat 四元数（旋转），线上 16 字节，X,Y,Z,W 顺序
type Quat struct {
	X, Y, Z, W float32
}

// IdentityQuat 单位四元数
var IdentityQuat = Quat{W: 1}

func (v Vec3) Add(w Vec3) Vec3 { return Vec3{v.X + w.X, v.Y + w.Y, v.Z + w.Z} }

func (v Vec3) Sub(w Vec3) Vec3 { return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z} }

func (v Vec3) Scale(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Len 向量长度
func (v Vec3) Len() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

// Distance 欧氏距离
func Distance(a, b Vec3) float32 { return a.Sub(b).Len() }

// LerpVec3 线性插值，t 不做裁剪
func LerpVec3(a, b Vec3, t float32) Vec3 {
	return Vec3{
		a.X + (b.X-a.X)*t,
		a.Y + (b.Y-a.Y)*t,
		a.Z + (b.Z-a.Z)*t,
	}
}

// YawRotation 仅绕 Y 轴的旋转（弧度）
func YawRotation(yaw float32) Quat {
	half := float64(yaw) / 2
	return Quat{Y: float32(math.Sin(half)), W: float32(math.Cos(half))}
}

func (q Quat) dot(r Quat) float32 { return q.X*r.X + q.Y*r.Y + q.Z*r.Z + q.W*r.W }

// Normalized 归一化；零四元数返回单位四元数
func (q Quat) Normalized() Quat {
	n := float32(math.Sqrt(float64(q.dot(q))))
	if n == 0 {
		return IdentityQuat
	}
	return Quat{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// Slerp 球面插值，走最短路径；夹角很小时退化为归一化线性插值
func Slerp(a, b Quat, t float32) Quat {
	cos := a.dot(b)
	if cos < 0 {
		b = Quat{-b.X, -b.Y, -b.Z, -b.W}
		cos = -cos
	}
	if cos > 0.9995 {
		return Quat{
			a.X + (b.X-a.X)*t,
			a.Y + (b.Y-a.Y)*t,
			a.Z + (b.Z-a.Z)*t,
			a.W + (b.W-a.W)*t,
		}.Normalized()
	}
	theta := math.Acos(float64(cos))
	sin := math.Sin(theta)
	wa := float32(math.Sin((1-float64(t))*theta) / sin)
	wb := float32(math.Sin(float64(t)*theta) / sin)
	return Quat{
		a.X*wa + b.X*wb,
		a.Y*wa + b.Y*wb,
		a.Z*wa + b.Z*wb,
		a.W*wa + b.W*wb,
	}
}
